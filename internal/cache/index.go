package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jobsift/jobsift/internal/types"
)

const indexSchema = 1

// IndexEntry is the searchable metadata of one blob.
type IndexEntry struct {
	CacheKey         string    `json:"cache_key"`
	FilePath         string    `json:"file_path"`
	SourceURL        string    `json:"source_url"`
	CapturedAt       time.Time `json:"captured_at"`
	UncompressedSize int64     `json:"uncompressed_size"`
	CompressedSize   int64     `json:"compressed_size"`
	CompressionRatio float64   `json:"compression_ratio"`
	JobCount         int       `json:"job_count"`
	Companies        []string  `json:"companies"`
	Technologies     []string  `json:"technologies"`
	Locations        []string  `json:"locations"`
	Levels           []string  `json:"levels"`
}

// SearchCriteria is a multi-facet filter. Within a facet values combine
// with OR; across facets, AND.
type SearchCriteria struct {
	Companies    []string
	Technologies []string
	Locations    []string
	Levels       []string
	MinJobs      int
	DateFrom     time.Time
	DateTo       time.Time
}

// indexState is the immutable snapshot readers see. The writer replaces
// the whole pointer under its lock (copy-on-write).
type indexState struct {
	Schema     int                            `json:"schema"`
	Entries    map[string]*IndexEntry         `json:"entries"`
	ByDate     map[string]map[string]struct{} `json:"by_date"`
	ByCompany  map[string]map[string]struct{} `json:"by_company"`
	ByTech     map[string]map[string]struct{} `json:"by_tech"`
	ByLocation map[string]map[string]struct{} `json:"by_location"`
	Stats      indexStats                     `json:"stats"`
}

type indexStats struct {
	TotalBlobs       int   `json:"total_blobs"`
	TotalJobs        int   `json:"total_jobs"`
	UncompressedSize int64 `json:"uncompressed_size"`
	CompressedSize   int64 `json:"compressed_size"`
}

func newIndexState() *indexState {
	return &indexState{
		Schema:     indexSchema,
		Entries:    make(map[string]*IndexEntry),
		ByDate:     make(map[string]map[string]struct{}),
		ByCompany:  make(map[string]map[string]struct{}),
		ByTech:     make(map[string]map[string]struct{}),
		ByLocation: make(map[string]map[string]struct{}),
	}
}

// clone deep-copies the state so the writer can mutate a fresh copy while
// readers keep the old snapshot.
func (st *indexState) clone() *indexState {
	c := newIndexState()
	for k, v := range st.Entries {
		e := *v
		c.Entries[k] = &e
	}
	cloneSets := func(src map[string]map[string]struct{}) map[string]map[string]struct{} {
		dst := make(map[string]map[string]struct{}, len(src))
		for k, set := range src {
			s2 := make(map[string]struct{}, len(set))
			for kk := range set {
				s2[kk] = struct{}{}
			}
			dst[k] = s2
		}
		return dst
	}
	c.ByDate = cloneSets(st.ByDate)
	c.ByCompany = cloneSets(st.ByCompany)
	c.ByTech = cloneSets(st.ByTech)
	c.ByLocation = cloneSets(st.ByLocation)
	c.Stats = st.Stats
	return c
}

// Index wraps a Store with inverted indices for search. Single writer,
// many readers: readers load the current snapshot pointer and never see a
// partially updated index.
type Index struct {
	store  *Store
	path   string
	logger *slog.Logger

	writeMu sync.Mutex
	state   atomic.Pointer[indexState]
}

// NewIndex loads or rebuilds the index for a store. When the persisted
// entry count diverges from the blobs on disk, the index is rebuilt by
// scanning blobs; rebuild is idempotent.
func NewIndex(store *Store, logger *slog.Logger) (*Index, error) {
	idx := &Index{
		store:  store,
		path:   filepath.Join(store.Dir(), "cache_index.json"),
		logger: logger.With("component", "cache_index"),
	}
	idx.state.Store(newIndexState())

	if err := idx.load(); err != nil {
		idx.logger.Warn("index load failed, rebuilding", "error", err)
		if err := idx.Rebuild(); err != nil {
			return nil, err
		}
		return idx, nil
	}

	keys, err := store.Keys()
	if err != nil {
		return nil, err
	}
	if len(keys) != len(idx.state.Load().Entries) {
		idx.logger.Info("index diverges from blobs on disk, rebuilding",
			"indexed", len(idx.state.Load().Entries), "on_disk", len(keys))
		if err := idx.Rebuild(); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

// Put stores the blob and atomically adds its index entry: observers see
// either blob plus entry or neither.
func (idx *Index) Put(cacheKey string, blob *Blob) (*IndexEntry, error) {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	uncompressed, compressed, err := idx.store.Put(cacheKey, blob)
	if err != nil {
		return nil, err
	}

	entry := entryFor(cacheKey, idx.store.blobPath(cacheKey), blob, uncompressed, compressed)

	next := idx.state.Load().clone()
	next.addEntry(entry)
	if err := idx.persist(next); err != nil {
		// Keep blob and index consistent: undo the blob write.
		_ = idx.store.Delete(cacheKey)
		return nil, err
	}
	idx.state.Store(next)
	return entry, nil
}

// Get reads a blob through the store.
func (idx *Index) Get(cacheKey string) (*Blob, error) {
	blob, err := idx.store.Get(cacheKey)
	if err != nil && types.KindOf(err) == types.KindCorruptBlob {
		// The blob was quarantined; drop its entry.
		_ = idx.Delete(cacheKey)
	}
	return blob, err
}

// Delete removes a blob and its index entry.
func (idx *Index) Delete(cacheKey string) error {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	if err := idx.store.Delete(cacheKey); err != nil {
		return err
	}
	next := idx.state.Load().clone()
	next.removeEntry(cacheKey)
	if err := idx.persist(next); err != nil {
		return err
	}
	idx.state.Store(next)
	return nil
}

// Search filters index entries without touching blob files. Results are
// sorted by capture time descending.
func (idx *Index) Search(c SearchCriteria) []*IndexEntry {
	st := idx.state.Load()

	var out []*IndexEntry
	for _, e := range st.Entries {
		if !matches(e, c) {
			continue
		}
		ent := *e
		out = append(out, &ent)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CapturedAt.Equal(out[j].CapturedAt) {
			return out[i].CapturedAt.After(out[j].CapturedAt)
		}
		return out[i].CacheKey < out[j].CacheKey
	})
	return out
}

// Rebuild scans the blobs on disk and reconstructs the whole index.
func (idx *Index) Rebuild() error {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	keys, err := idx.store.Keys()
	if err != nil {
		return err
	}

	next := newIndexState()
	for _, key := range keys {
		blob, err := idx.store.Get(key)
		if err != nil {
			idx.logger.Warn("skipping unreadable blob during rebuild", "cache_key", key, "error", err)
			continue
		}
		size, _ := idx.store.Size(key)
		raw, _ := json.Marshal(blob)
		next.addEntry(entryFor(key, idx.store.blobPath(key), blob, int64(len(raw)), size))
	}
	if err := idx.persist(next); err != nil {
		return err
	}
	idx.state.Store(next)
	idx.logger.Info("index rebuilt", "entries", len(next.Entries))
	return nil
}

// Count returns the number of indexed blobs.
func (idx *Index) Count() int {
	return len(idx.state.Load().Entries)
}

// TopCompanies returns the k companies appearing in the most jobs across
// all entries, ties broken lexically.
func (idx *Index) TopCompanies(k int) []types.FacetCount {
	return idx.topFacet(k, func(e *IndexEntry) []string { return e.Companies })
}

// TopTechnologies returns the k most frequent technology tags.
func (idx *Index) TopTechnologies(k int) []types.FacetCount {
	return idx.topFacet(k, func(e *IndexEntry) []string { return e.Technologies })
}

func (idx *Index) topFacet(k int, pick func(*IndexEntry) []string) []types.FacetCount {
	st := idx.state.Load()
	counts := make(map[string]int)
	for _, e := range st.Entries {
		for _, v := range pick(e) {
			counts[v]++
		}
	}
	out := make([]types.FacetCount, 0, len(counts))
	for name, n := range counts {
		out = append(out, types.FacetCount{Name: name, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

// --- internals ---

func entryFor(cacheKey, path string, blob *Blob, uncompressed, compressed int64) *IndexEntry {
	e := &IndexEntry{
		CacheKey:         cacheKey,
		FilePath:         path,
		SourceURL:        blob.URL,
		CapturedAt:       blob.CapturedAt,
		UncompressedSize: uncompressed,
		CompressedSize:   compressed,
		JobCount:         len(blob.Jobs),
	}
	if compressed > 0 {
		e.CompressionRatio = float64(uncompressed) / float64(compressed)
	}

	seen := map[string]map[string]bool{
		"company": {}, "tech": {}, "location": {}, "level": {},
	}
	add := func(facet string, list *[]string, value string) {
		if value == "" || seen[facet][value] {
			return
		}
		seen[facet][value] = true
		*list = append(*list, value)
	}
	for _, j := range blob.Jobs {
		add("company", &e.Companies, types.Fold(j.Company))
		add("location", &e.Locations, types.Fold(j.Location))
		if j.Level != "" && j.Level != types.LevelUnknown {
			add("level", &e.Levels, string(j.Level))
		}
		for _, t := range j.Technologies {
			add("tech", &e.Technologies, types.Fold(t))
		}
	}
	sort.Strings(e.Companies)
	sort.Strings(e.Technologies)
	sort.Strings(e.Locations)
	sort.Strings(e.Levels)
	return e
}

func (st *indexState) addEntry(e *IndexEntry) {
	if old, ok := st.Entries[e.CacheKey]; ok {
		st.removeFromStats(old)
		st.removeFromInverted(old)
	}
	st.Entries[e.CacheKey] = e

	addTo := func(m map[string]map[string]struct{}, key string) {
		if key == "" {
			return
		}
		set, ok := m[key]
		if !ok {
			set = make(map[string]struct{})
			m[key] = set
		}
		set[e.CacheKey] = struct{}{}
	}
	addTo(st.ByDate, e.CapturedAt.UTC().Format("2006-01-02"))
	for _, c := range e.Companies {
		addTo(st.ByCompany, c)
	}
	for _, t := range e.Technologies {
		addTo(st.ByTech, t)
	}
	for _, l := range e.Locations {
		addTo(st.ByLocation, l)
	}

	st.Stats.TotalBlobs = len(st.Entries)
	st.Stats.TotalJobs += e.JobCount
	st.Stats.UncompressedSize += e.UncompressedSize
	st.Stats.CompressedSize += e.CompressedSize
}

func (st *indexState) removeEntry(cacheKey string) {
	e, ok := st.Entries[cacheKey]
	if !ok {
		return
	}
	delete(st.Entries, cacheKey)
	st.removeFromStats(e)
	st.removeFromInverted(e)
	st.Stats.TotalBlobs = len(st.Entries)
}

func (st *indexState) removeFromStats(e *IndexEntry) {
	st.Stats.TotalJobs -= e.JobCount
	st.Stats.UncompressedSize -= e.UncompressedSize
	st.Stats.CompressedSize -= e.CompressedSize
}

func (st *indexState) removeFromInverted(e *IndexEntry) {
	removeFrom := func(m map[string]map[string]struct{}, key string) {
		if set, ok := m[key]; ok {
			delete(set, e.CacheKey)
			if len(set) == 0 {
				delete(m, key)
			}
		}
	}
	removeFrom(st.ByDate, e.CapturedAt.UTC().Format("2006-01-02"))
	for _, c := range e.Companies {
		removeFrom(st.ByCompany, c)
	}
	for _, t := range e.Technologies {
		removeFrom(st.ByTech, t)
	}
	for _, l := range e.Locations {
		removeFrom(st.ByLocation, l)
	}
}

func matches(e *IndexEntry, c SearchCriteria) bool {
	anyOf := func(have []string, want []string) bool {
		if len(want) == 0 {
			return true
		}
		set := make(map[string]bool, len(have))
		for _, h := range have {
			set[h] = true
		}
		for _, w := range want {
			if set[types.Fold(w)] {
				return true
			}
		}
		return false
	}
	if !anyOf(e.Companies, c.Companies) {
		return false
	}
	if !anyOf(e.Technologies, c.Technologies) {
		return false
	}
	if !anyOf(e.Locations, c.Locations) {
		return false
	}
	if len(c.Levels) > 0 {
		levels := make([]string, len(c.Levels))
		for i, l := range c.Levels {
			levels[i] = types.Fold(l)
		}
		set := make(map[string]bool, len(e.Levels))
		for _, l := range e.Levels {
			set[l] = true
		}
		found := false
		for _, l := range levels {
			if set[l] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if c.MinJobs > 0 && e.JobCount < c.MinJobs {
		return false
	}
	if !c.DateFrom.IsZero() && e.CapturedAt.Before(c.DateFrom) {
		return false
	}
	if !c.DateTo.IsZero() && e.CapturedAt.After(c.DateTo) {
		return false
	}
	return true
}

// persist writes the index JSON atomically. Sets serialize as sorted
// string arrays for a stable, readable document.
func (idx *Index) persist(st *indexState) error {
	doc := persistedIndex{
		Schema:     st.Schema,
		Entries:    st.Entries,
		ByDate:     setsToLists(st.ByDate),
		ByCompany:  setsToLists(st.ByCompany),
		ByTech:     setsToLists(st.ByTech),
		ByLocation: setsToLists(st.ByLocation),
		Stats:      st.Stats,
	}

	tmp := idx.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return types.NewClassified(types.KindIOUnavailable,
			fmt.Errorf("create index temp file: %w", err))
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode index: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, idx.path)
}

func (idx *Index) load() error {
	f, err := os.Open(idx.path)
	if err != nil {
		return err
	}
	defer f.Close()

	var doc persistedIndex
	if err := json.NewDecoder(f).Decode(&doc); err != nil {
		return fmt.Errorf("decode index: %w", err)
	}
	if doc.Schema != indexSchema {
		return fmt.Errorf("unsupported index schema %d", doc.Schema)
	}

	st := newIndexState()
	st.Entries = doc.Entries
	if st.Entries == nil {
		st.Entries = make(map[string]*IndexEntry)
	}
	st.ByDate = listsToSets(doc.ByDate)
	st.ByCompany = listsToSets(doc.ByCompany)
	st.ByTech = listsToSets(doc.ByTech)
	st.ByLocation = listsToSets(doc.ByLocation)
	st.Stats = doc.Stats
	idx.state.Store(st)
	return nil
}

type persistedIndex struct {
	Schema     int                    `json:"schema"`
	Entries    map[string]*IndexEntry `json:"entries"`
	ByDate     map[string][]string    `json:"by_date"`
	ByCompany  map[string][]string    `json:"by_company"`
	ByTech     map[string][]string    `json:"by_tech"`
	ByLocation map[string][]string    `json:"by_location"`
	Stats      indexStats             `json:"stats"`
}

func setsToLists(m map[string]map[string]struct{}) map[string][]string {
	out := make(map[string][]string, len(m))
	for k, set := range m {
		list := make([]string, 0, len(set))
		for v := range set {
			list = append(list, v)
		}
		sort.Strings(list)
		out[k] = list
	}
	return out
}

func listsToSets(m map[string][]string) map[string]map[string]struct{} {
	out := make(map[string]map[string]struct{}, len(m))
	for k, list := range m {
		set := make(map[string]struct{}, len(list))
		for _, v := range list {
			set[v] = struct{}{}
		}
		out[k] = set
	}
	return out
}
