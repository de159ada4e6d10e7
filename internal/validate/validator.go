// Package validate turns raw extracted fields into normalized Job records,
// rejecting records that miss required fields and flagging anomalies.
package validate

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jobsift/jobsift/internal/extract"
	"github.com/jobsift/jobsift/internal/obs"
	"github.com/jobsift/jobsift/internal/types"
)

// Options bound salary parsing and anomaly thresholds.
type Options struct {
	MinSalary         int
	MaxSalary         int
	MinDescriptionLen int
}

// DefaultOptions are monthly local-currency bounds.
func DefaultOptions() Options {
	return Options{MinSalary: 500, MaxSalary: 100000, MinDescriptionLen: 80}
}

// Validator applies the per-field schema to raw job records.
type Validator struct {
	opts    Options
	logger  *obs.Logger
	metrics *obs.Metrics
}

// New builds a validator with default options.
func New(logger *obs.Logger, metrics *obs.Metrics) *Validator {
	return &Validator{opts: DefaultOptions(), logger: logger, metrics: metrics}
}

// NewWithOptions builds a validator with explicit options.
func NewWithOptions(opts Options, logger *obs.Logger, metrics *obs.Metrics) *Validator {
	return &Validator{opts: opts, logger: logger, metrics: metrics}
}

// Batch validates one page's raw jobs. Returns the accepted jobs and the
// rejection count, and publishes the batch quality score.
func (v *Validator) Batch(raws []extract.RawJob, baseURL string, now time.Time) ([]*types.Job, int) {
	jobs := make([]*types.Job, 0, len(raws))
	rejected := 0
	for _, raw := range raws {
		job, err := v.Build(raw, baseURL, now)
		if err != nil {
			rejected++
			v.metrics.Inc("validation.rejected", map[string]string{"reason": string(types.KindOf(err))})
			v.logger.Debug("record rejected",
				"component", "validate", "error", err)
			continue
		}
		jobs = append(jobs, job)
	}

	flagSalaryOutliers(jobs)

	anomalous := 0
	for _, j := range jobs {
		if len(j.Anomalies) > 0 {
			anomalous++
		}
	}
	quality := 1.0
	if len(raws) > 0 {
		anomalyFraction := float64(anomalous) / float64(len(raws))
		quality = 1.0 - (float64(rejected)+anomalyFraction*0.5)/float64(len(raws))
		if quality < 0 {
			quality = 0
		}
	}
	v.metrics.Inc("validation.batches", nil)
	v.metrics.Gauge("validation.quality_score", quality, nil)
	return jobs, rejected
}

// Build normalizes one raw record into a Job. The record must carry a URL,
// a title, and at least one of company or description.
func (v *Validator) Build(raw extract.RawJob, baseURL string, now time.Time) (*types.Job, error) {
	rawURL := resolveURL(baseURL, raw[extract.FieldLink])
	if rawURL == "" {
		return nil, types.NewClassified(types.KindSchemaViolation,
			fmt.Errorf("missing url"))
	}

	title := collapse(stripHTML(raw[extract.FieldTitle]))
	if title == "" {
		return nil, types.NewClassified(types.KindSchemaViolation,
			fmt.Errorf("missing title"))
	}

	company := collapse(stripHTML(raw[extract.FieldCompany]))
	description := strings.TrimSpace(stripHTML(raw[extract.FieldDescription]))
	if company == "" && description == "" {
		return nil, types.NewClassified(types.KindSchemaViolation,
			fmt.Errorf("missing both company and description"))
	}

	location := collapse(stripHTML(raw[extract.FieldLocation]))

	job := &types.Job{
		URL:          types.CanonicalURL(rawURL),
		Title:        title,
		Company:      company,
		Location:     location,
		WorkMode:     parseWorkMode(raw[extract.FieldWorkMode], location),
		Level:        parseLevel(raw[extract.FieldLevel], title),
		Description:  description,
		Technologies: ParseTechnologies(raw[extract.FieldTechs]),
		Benefits:     parseBenefits(raw[extract.FieldBenefits]),
		CollectedAt:  now.UTC(),
	}

	job.SalaryMin, job.SalaryMax = ParseSalaryRange(
		raw[extract.FieldSalary], v.opts.MinSalary, v.opts.MaxSalary)

	if t, ok := parsePostedAt(raw[extract.FieldPostedAt], now); ok {
		job.PostedAt = t
	}

	v.flagAnomalies(job, now)
	job.SourceFingerprint = job.Fingerprint()
	return job, nil
}

func (v *Validator) flagAnomalies(j *types.Job, now time.Time) {
	if len(j.Description) > 0 && len(j.Description) < v.opts.MinDescriptionLen {
		j.Anomalies = append(j.Anomalies, "short_description")
	}
	if j.Company != "" && types.Fold(j.Company) == types.Fold(j.Title) {
		j.Anomalies = append(j.Anomalies, "company_equals_title")
	}
	if !j.PostedAt.IsZero() {
		if j.PostedAt.After(now.Add(24 * time.Hour)) {
			j.Anomalies = append(j.Anomalies, "posted_at_in_future")
		} else if j.PostedAt.Before(now.AddDate(-2, 0, 0)) {
			j.Anomalies = append(j.Anomalies, "posted_at_stale")
		}
	}
}

// flagSalaryOutliers marks jobs whose salary lies outside the
// interquartile fences of the batch. Needs at least four salaried jobs.
func flagSalaryOutliers(jobs []*types.Job) {
	var samples []float64
	for _, j := range jobs {
		if j.SalaryMin > 0 {
			samples = append(samples, float64(j.SalaryMin))
		}
	}
	if len(samples) < 4 {
		return
	}
	sort.Float64s(samples)
	q1 := quantile(samples, 0.25)
	q3 := quantile(samples, 0.75)
	iqr := q3 - q1
	lo, hi := q1-1.5*iqr, q3+1.5*iqr

	for _, j := range jobs {
		if j.SalaryMin == 0 {
			continue
		}
		s := float64(j.SalaryMin)
		if s < lo || s > hi {
			j.Anomalies = append(j.Anomalies, "salary_outlier")
		}
	}
}

func quantile(sorted []float64, q float64) float64 {
	pos := q * float64(len(sorted)-1)
	i := int(pos)
	if i >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(i)
	return sorted[i]*(1-frac) + sorted[i+1]*frac
}

var (
	tagPattern    = regexp.MustCompile(`<[^>]*>`)
	salaryNumber  = regexp.MustCompile(`(\d+(?:[.,]\d+)*)\s*(mil|k)?`)
	techSeparator = regexp.MustCompile(`[,;/|•·\n]+`)
	daysAgo       = regexp.MustCompile(`ha (\d+) dias?`)
)

func stripHTML(s string) string {
	return tagPattern.ReplaceAllString(s, " ")
}

// collapse trims and folds runs of whitespace, preserving case.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// resolveURL resolves a possibly relative href against the page URL.
func resolveURL(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	if base == "" {
		return href
	}
	bu, err := url.Parse(base)
	if err != nil {
		return href
	}
	hu, err := url.Parse(href)
	if err != nil {
		return href
	}
	return bu.ResolveReference(hu).String()
}

// ParseSalaryRange extracts up to two monthly values from a salary string.
// "mil" and "k" suffixes multiply by 1000. An inverted range is swapped;
// values outside [minBound, maxBound] are dropped.
func ParseSalaryRange(s string, minBound, maxBound int) (int, int) {
	matches := salaryNumber.FindAllStringSubmatch(strings.ToLower(s), -1)
	var values []int
	for _, m := range matches {
		num := strings.ReplaceAll(m[1], ".", "")
		num = strings.ReplaceAll(num, ",", ".")
		f, err := strconv.ParseFloat(num, 64)
		if err != nil {
			continue
		}
		if m[2] != "" {
			f *= 1000
		}
		v := int(f)
		if v < minBound || v > maxBound {
			continue
		}
		values = append(values, v)
		if len(values) == 2 {
			break
		}
	}
	switch len(values) {
	case 0:
		return 0, 0
	case 1:
		return values[0], values[0]
	default:
		if values[0] > values[1] {
			values[0], values[1] = values[1], values[0]
		}
		return values[0], values[1]
	}
}

// techVocabulary is the allow-list of known technology tags; tokens not in
// it still pass through the likely-technology heuristic.
var techVocabulary = map[string]bool{
	"go": true, "golang": true, "python": true, "java": true, "javascript": true,
	"typescript": true, "node": true, "nodejs": true, "react": true, "angular": true,
	"vue": true, "c": true, "c++": true, "c#": true, ".net": true, "php": true,
	"ruby": true, "rails": true, "kotlin": true, "swift": true, "rust": true,
	"sql": true, "mysql": true, "postgres": true, "postgresql": true, "mongodb": true,
	"redis": true, "kafka": true, "rabbitmq": true, "docker": true, "kubernetes": true,
	"aws": true, "gcp": true, "azure": true, "terraform": true, "linux": true,
	"git": true, "graphql": true, "rest": true, "grpc": true, "elasticsearch": true,
	"spark": true, "airflow": true, "django": true, "flask": true, "spring": true,
	"laravel": true, "flutter": true, "scala": true, "r": true, "html": true,
	"css": true, "sass": true, "next": true, "nextjs": true, "nest": true,
	"nestjs": true, "fastapi": true, "pandas": true, "numpy": true,
}

var accentReplacer = strings.NewReplacer(
	"á", "a", "à", "a", "â", "a", "ã", "a", "ä", "a",
	"é", "e", "ê", "e", "è", "e", "ë", "e",
	"í", "i", "ì", "i", "î", "i", "ï", "i",
	"ó", "o", "ò", "o", "ô", "o", "õ", "o", "ö", "o",
	"ú", "u", "ù", "u", "û", "u", "ü", "u",
	"ç", "c", "ñ", "n",
)

func deaccent(s string) string {
	return accentReplacer.Replace(strings.ToLower(s))
}

// ParseTechnologies tokenizes a raw technology string into an ordered,
// deduplicated list of lowercase tags.
func ParseTechnologies(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, token := range techSeparator.Split(s, -1) {
		tag := deaccent(collapse(token))
		if tag == "" || seen[tag] {
			continue
		}
		if !techVocabulary[tag] && !likelyTechnology(tag) {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

// likelyTechnology accepts tags of plausible shape: 2-40 chars, not
// purely numeric.
func likelyTechnology(tag string) bool {
	if len(tag) < 2 || len(tag) > 40 {
		return false
	}
	if _, err := strconv.Atoi(tag); err == nil {
		return false
	}
	return true
}

func parseBenefits(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, token := range techSeparator.Split(s, -1) {
		b := collapse(stripHTML(token))
		key := types.Fold(b)
		if b == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, b)
	}
	return out
}

func parseWorkMode(raw, location string) types.WorkMode {
	probe := deaccent(raw + " " + location)
	switch {
	case strings.Contains(probe, "remoto"), strings.Contains(probe, "remote"),
		strings.Contains(probe, "home office"):
		return types.WorkModeRemote
	case strings.Contains(probe, "hibrido"), strings.Contains(probe, "hybrid"):
		return types.WorkModeHybrid
	case strings.Contains(probe, "presencial"), strings.Contains(probe, "on-site"),
		strings.Contains(probe, "onsite"):
		return types.WorkModeOnSite
	default:
		return types.WorkModeUnknown
	}
}

func parseLevel(raw, title string) types.Level {
	probe := deaccent(raw + " " + title)
	switch {
	case strings.Contains(probe, "estagi"), strings.Contains(probe, "intern"):
		return types.LevelIntern
	case strings.Contains(probe, "junior"), hasWord(probe, "jr"):
		return types.LevelJunior
	case strings.Contains(probe, "pleno"), hasWord(probe, "mid"):
		return types.LevelMid
	case strings.Contains(probe, "senior"), hasWord(probe, "sr"):
		return types.LevelSenior
	case strings.Contains(probe, "lead"), strings.Contains(probe, "lider"):
		return types.LevelLead
	case strings.Contains(probe, "diretor"), strings.Contains(probe, "director"),
		hasWord(probe, "head"):
		return types.LevelDirector
	default:
		return types.LevelUnknown
	}
}

func hasWord(s, word string) bool {
	for _, f := range strings.Fields(s) {
		if strings.Trim(f, ".,()-") == word {
			return true
		}
	}
	return false
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"02/01/2006",
}

// parsePostedAt handles absolute layouts and the relative forms the
// listing sites use ("hoje", "ontem", "há N dias").
func parsePostedAt(s string, now time.Time) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}

	probe := deaccent(s)
	switch {
	case strings.Contains(probe, "hoje"):
		return now.UTC(), true
	case strings.Contains(probe, "ontem"):
		return now.AddDate(0, 0, -1).UTC(), true
	}
	if m := daysAgo.FindStringSubmatch(probe); m != nil {
		days, _ := strconv.Atoi(m[1])
		return now.AddDate(0, 0, -days).UTC(), true
	}
	return time.Time{}, false
}
