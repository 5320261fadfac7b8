// Package classdump loads one or more Mach-O binaries, extracts the
// Objective-C metadata of the requested architecture slices concurrently and
// merges it into a single name-keyed model.
package classdump

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"runtime"
	"slices"
	"strings"
	"sync"

	"github.com/apex/log"
	"github.com/gobwas/glob"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/appsworld/macho"
	"github.com/appsworld/macho/internal/magic"
	"github.com/appsworld/macho/pkg/visitor"
	"github.com/appsworld/macho/types/objc"
)

// Config configures a Session.
type Config struct {
	// Archs selects the slices to read, e.g. "arm64". Empty selects the
	// preferred slice of each input.
	Archs []string
	// ForceRecursiveAnalyze names (or globs) entities that are always walked.
	ForceRecursiveAnalyze []string
	// ClassFilters restricts walks to matching classes, protocols and categories.
	ClassFilters []string
	// ExclusionPatterns names symbols that must never be renamed.
	ExclusionPatterns []string
	// DiagnosticFilesPrefix, when set, is where WriteDiagnostics writes.
	DiagnosticFilesPrefix string
	Workers               int
	TypeCacheSize         int
}

// Flags summarize what the loaded inputs contained.
type Flags struct {
	ContainsObjectiveCData bool
	HasEncryptedFiles      bool
	HasRuntimeInfo         bool
}

// Note records a duplicate definition that was dropped in favor of the first.
type Note struct {
	Kind    visitor.Kind
	Name    string
	Kept    string
	Ignored string
}

func (n Note) String() string {
	return fmt.Sprintf("duplicate %s %s in %s ignored, keeping the definition from %s", n.Kind, n.Name, n.Ignored, n.Kept)
}

// Skip is a record, list or slice that could not be read.
type Skip struct {
	Source string
	Err    error
}

func (s Skip) String() string {
	return fmt.Sprintf("%s: %v", s.Source, s.Err)
}

// Image is one loaded architecture slice.
type Image struct {
	Path      string
	Arch      macho.Arch
	UUID      string
	Encrypted bool
	HasObjC   bool
	File      *macho.File
}

// Source names the image as "path[arch]".
func (i *Image) Source() string {
	return fmt.Sprintf("%s[%s]", i.Path, i.Arch)
}

// Session is the extraction state of one run. Loading may be repeated; the
// model only grows and earlier definitions always win.
type Session struct {
	conf    Config
	archs   []macho.Arch
	dec     *CachedDecoder
	filters []glob.Glob

	mu         sync.Mutex
	images     []*Image
	classes    []*objc.Class
	categories []*objc.Category
	protocols  []*objc.Protocol
	classIdx   map[string]*objc.Class
	catIdx     map[string]*objc.Category
	protoIdx   map[string]*objc.Protocol
	sources    map[string]string // "<kind> <name>" -> image source
	flags      Flags
	notes      []Note
	skipped    []Skip
	failures   []error
}

// New returns an empty session.
func New(conf Config) (*Session, error) {
	s := &Session{
		conf:     conf,
		classIdx: make(map[string]*objc.Class),
		catIdx:   make(map[string]*objc.Category),
		protoIdx: make(map[string]*objc.Protocol),
		sources:  make(map[string]string),
	}
	for _, name := range conf.Archs {
		a, err := macho.ParseArch(name)
		if err != nil {
			return nil, errors.Wrap(err, "invalid --arch")
		}
		s.archs = append(s.archs, a)
	}
	for _, f := range conf.ClassFilters {
		g, err := glob.Compile(f)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid class filter %q", f)
		}
		s.filters = append(s.filters, g)
	}
	dec, err := NewCachedDecoder(objc.DefaultDecoder, conf.TypeCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create type cache")
	}
	s.dec = dec
	return s, nil
}

func (s *Session) workers() int {
	if s.conf.Workers > 0 {
		return s.conf.Workers
	}
	return runtime.NumCPU()
}

type input struct {
	name string
	dat  []byte
	err  error
}

type job struct {
	name  string
	slice macho.Slice
}

type result struct {
	source string
	image  *Image
	objc   *macho.ObjC
	err    error
}

// LoadFiles reads and extracts every path. Inputs that are not Mach-O are
// recorded as failures; an error is returned only if nothing could be loaded
// or ctx was cancelled.
func (s *Session) LoadFiles(ctx context.Context, paths ...string) error {
	inputs := make([]input, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers())
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			dat, err := os.ReadFile(path)
			inputs[i] = input{name: path, dat: dat, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return s.load(ctx, inputs)
}

// LoadBytes extracts an in-memory binary named name.
func (s *Session) LoadBytes(ctx context.Context, name string, dat []byte) error {
	return s.load(ctx, []input{{name: name, dat: dat}})
}

func (s *Session) load(ctx context.Context, inputs []input) error {
	var failed []error
	var jobs []job
	for _, in := range inputs {
		if in.err != nil {
			failed = append(failed, errors.Wrapf(in.err, "failed to read %s", in.name))
			continue
		}
		sel, err := s.selectSlices(in.name, in.dat)
		if err != nil {
			failed = append(failed, err)
			continue
		}
		for _, sl := range sel {
			jobs = append(jobs, job{name: in.name, slice: sl})
		}
	}

	// each slice is extracted on its own; results land in input then slice order
	results := make([]result, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers())
	for i, j := range jobs {
		i, j := i, j
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = s.extract(j)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, err := range failed {
		log.WithError(err).Warn("skipping input")
	}
	s.failures = append(s.failures, failed...)
	loaded := 0
	for _, r := range results {
		if s.merge(r) {
			loaded++
		}
	}
	if loaded == 0 && len(inputs) > 0 {
		if len(failed) > 0 {
			return errors.Wrap(failed[0], "no input could be loaded")
		}
		for _, r := range results {
			if r.err != nil {
				return errors.Wrapf(r.err, "failed to extract %s", r.source)
			}
		}
	}
	return nil
}

// selectSlices returns the slices of dat matching the session architectures.
func (s *Session) selectSlices(name string, dat []byte) ([]macho.Slice, error) {
	all, err := macho.Slices(bytes.NewReader(dat), int64(len(dat)))
	if err != nil {
		var nm *macho.NotMachOError
		if errors.As(err, &nm) {
			nm.Path = name
			if magic.Detect(dat) == magic.Archive {
				log.WithField("input", name).Warn(magic.StaticLibraryMessage)
			}
			return nil, err
		}
		return nil, errors.Wrapf(err, "failed to parse %s", name)
	}
	if len(s.archs) == 0 {
		sl, err := macho.SelectSlice(all)
		if err != nil {
			return nil, errors.Wrap(err, name)
		}
		return []macho.Slice{sl}, nil
	}
	var out []macho.Slice
	for _, a := range s.archs {
		for _, sl := range all {
			if a.Matches(sl.CPU, sl.SubCPU) && !slices.ContainsFunc(out, func(o macho.Slice) bool { return o.Offset == sl.Offset }) {
				out = append(out, sl)
				break
			}
		}
	}
	if len(out) == 0 {
		var names []string
		for _, a := range s.archs {
			names = append(names, a.String())
		}
		return nil, errors.Wrapf(macho.ErrNoMatchingArch, "%s does not contain %s", name, strings.Join(names, ", "))
	}
	return out, nil
}

// extract runs read, scan, decode and build over one slice.
func (s *Session) extract(j job) result {
	r := result{source: fmt.Sprintf("%s[%s]", j.name, j.slice.Arch())}
	f, err := j.slice.Open()
	if err != nil {
		r.err = err
		return r
	}
	img := &Image{
		Path:      j.name,
		Arch:      j.slice.Arch(),
		Encrypted: f.IsEncrypted(),
		HasObjC:   f.HasObjC(),
		File:      f,
	}
	if u := f.UUID(); u != nil {
		img.UUID = u.UUID.String()
	}
	o, err := f.GetObjC(macho.ObjCConfig{Decoder: s.dec})
	if err != nil {
		r.err = err
		return r
	}
	r.image, r.objc = img, o
	return r
}

// merge adds r to the model, keeping first definitions. The caller holds s.mu.
func (s *Session) merge(r result) bool {
	if r.err != nil {
		log.WithError(r.err).WithField("slice", r.source).Warn("failed to extract slice")
		s.skipped = append(s.skipped, Skip{Source: r.source, Err: r.err})
		return false
	}
	s.images = append(s.images, r.image)
	if r.image.HasObjC {
		s.flags.ContainsObjectiveCData = true
	}
	if r.image.Encrypted {
		s.flags.HasEncryptedFiles = true
		log.WithField("slice", r.source).Warn("binary is encrypted, encrypted metadata was skipped")
	}
	if r.objc.HasRuntimeInfo() {
		s.flags.HasRuntimeInfo = true
	}

	for _, p := range r.objc.Protocols {
		if s.claim(visitor.KindProtocol, p.Name, r.source) {
			s.protocols = append(s.protocols, p)
			s.protoIdx[p.Name] = p
		}
	}
	for _, c := range r.objc.Classes {
		if s.claim(visitor.KindClass, c.Name, r.source) {
			s.classes = append(s.classes, c)
			s.classIdx[c.Name] = c
		}
	}
	for _, c := range r.objc.Categories {
		if s.claim(visitor.KindCategory, c.Key(), r.source) {
			s.categories = append(s.categories, c)
			s.catIdx[c.Key()] = c
		}
	}
	for _, err := range r.objc.Skipped {
		s.skipped = append(s.skipped, Skip{Source: r.source, Err: err})
	}

	log.WithFields(log.Fields{
		"slice":      r.source,
		"classes":    len(r.objc.Classes),
		"categories": len(r.objc.Categories),
		"protocols":  len(r.objc.Protocols),
	}).Debug("merged objc metadata")
	return true
}

// claim reserves name for source, or records a note when it is taken.
func (s *Session) claim(kind visitor.Kind, name, source string) bool {
	key := kind.String() + " " + name
	if kept, ok := s.sources[key]; ok {
		n := Note{Kind: kind, Name: name, Kept: kept, Ignored: source}
		s.notes = append(s.notes, n)
		log.Debug(n.String())
		return false
	}
	s.sources[key] = source
	return true
}

/*******************************************************************************
 * MODEL
 *******************************************************************************/

func (s *Session) Classes() []*objc.Class {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.classes)
}

func (s *Session) Categories() []*objc.Category {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.categories)
}

func (s *Session) Protocols() []*objc.Protocol {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.protocols)
}

func (s *Session) Class(name string) *objc.Class {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.classIdx[name]
}

func (s *Session) Category(key string) *objc.Category {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.catIdx[key]
}

func (s *Session) Protocol(name string) *objc.Protocol {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protoIdx[name]
}

// Walk visits the model with v, honoring the class filters and the force list.
func (s *Session) Walk(v visitor.Visitor, opts ...visitor.Option) error {
	if len(s.filters) > 0 {
		opts = append([]visitor.Option{visitor.WithFilter(s.matchesFilter)}, opts...)
	}
	if len(s.conf.ForceRecursiveAnalyze) > 0 {
		opts = append(opts, visitor.WithForce(s.conf.ForceRecursiveAnalyze...))
	}
	return visitor.Walk(s, v, opts...)
}

func (s *Session) matchesFilter(e visitor.Entity) bool {
	for _, g := range s.filters {
		if g.Match(e.Name) || (e.Kind == visitor.KindCategory && g.Match(e.Class)) {
			return true
		}
	}
	return false
}

/*******************************************************************************
 * STATE
 *******************************************************************************/

func (s *Session) Config() Config { return s.conf }

// Decoder returns the session's shared type decoder.
func (s *Session) Decoder() *CachedDecoder { return s.dec }

func (s *Session) Flags() Flags {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags
}

func (s *Session) Images() []*Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.images)
}

func (s *Session) Notes() []Note {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.notes)
}

func (s *Session) Skipped() []Skip {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.skipped)
}

// Failures returns the inputs that could not be loaded at all.
func (s *Session) Failures() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.failures)
}

// WriteDiagnostics writes <prefix>-notes.txt and <prefix>-errors.txt. It does
// nothing without a DiagnosticFilesPrefix.
func (s *Session) WriteDiagnostics() error {
	prefix := s.conf.DiagnosticFilesPrefix
	if prefix == "" {
		return nil
	}
	var notes, errs strings.Builder
	for _, n := range s.Notes() {
		fmt.Fprintln(&notes, n)
	}
	for _, err := range s.Failures() {
		fmt.Fprintln(&errs, err)
	}
	for _, sk := range s.Skipped() {
		fmt.Fprintln(&errs, sk)
	}
	for name, body := range map[string]string{
		prefix + "-notes.txt":  notes.String(),
		prefix + "-errors.txt": errs.String(),
	} {
		log.Infof("Creating %s", name)
		if err := os.WriteFile(name, []byte(body), 0o644); err != nil {
			return errors.Wrapf(err, "failed to write %s", name)
		}
	}
	return nil
}
