package types

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// WorkMode describes where a job is performed.
type WorkMode string

const (
	WorkModeOnSite  WorkMode = "on-site"
	WorkModeHybrid  WorkMode = "hybrid"
	WorkModeRemote  WorkMode = "remote"
	WorkModeUnknown WorkMode = "unknown"
)

// Level describes the seniority of a job.
type Level string

const (
	LevelIntern   Level = "intern"
	LevelJunior   Level = "junior"
	LevelMid      Level = "mid"
	LevelSenior   Level = "senior"
	LevelLead     Level = "lead"
	LevelDirector Level = "director"
	LevelUnknown  Level = "unknown"
)

// Job is a single job listing. It is built and normalized by the validator
// and treated as immutable everywhere else.
type Job struct {
	URL          string    `json:"url"`
	Title        string    `json:"title"`
	Company      string    `json:"company"`
	Location     string    `json:"location"`
	WorkMode     WorkMode  `json:"work_mode"`
	Level        Level     `json:"level"`
	SalaryMin    int       `json:"salary_min,omitempty"`
	SalaryMax    int       `json:"salary_max,omitempty"`
	Description  string    `json:"description"`
	Technologies []string  `json:"technologies"`
	Benefits     []string  `json:"benefits"`
	PostedAt     time.Time `json:"posted_at,omitempty"`
	CollectedAt  time.Time `json:"collected_at"`

	// Fingerprint is the content hash over the normalized fields,
	// excluding CollectedAt. Set by Fingerprint().
	SourceFingerprint string `json:"source_fingerprint"`

	// PriorKey references the previous fingerprint when a known URL
	// reappears with changed content.
	PriorKey string `json:"prior_key,omitempty"`

	// Anomalies holds non-fatal validation flags.
	Anomalies []string `json:"anomalies,omitempty"`
}

// FieldOrder is the stable field order used by the output writers.
var FieldOrder = []string{
	"url", "title", "company", "location", "work_mode", "level",
	"salary_min", "salary_max", "description", "technologies", "benefits",
	"posted_at", "collected_at", "source_fingerprint",
}

// trackingParams are query parameters stripped during canonicalization.
var trackingParams = map[string]bool{
	"ref": true, "fbclid": true, "gclid": true,
	"sessionid": true, "session_id": true, "sid": true, "phpsessid": true,
}

// CanonicalURL normalizes a URL into its canonical business-key form:
// tracking parameters removed, scheme and host lowercased, scheme forced
// to https, fragment dropped. Idempotent.
func CanonicalURL(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return strings.TrimSpace(rawURL)
	}

	u.Scheme = "https"
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	if u.RawQuery != "" {
		params := u.Query()
		for key := range params {
			lk := strings.ToLower(key)
			if trackingParams[lk] || strings.HasPrefix(lk, "utm_") {
				params.Del(key)
			}
		}
		// Re-encode with sorted keys so equal URLs compare equal.
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var parts []string
		for _, k := range keys {
			vals := params[k]
			sort.Strings(vals)
			for _, v := range vals {
				parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
			}
		}
		u.RawQuery = strings.Join(parts, "&")
	}

	if u.Path != "/" && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimRight(u.Path, "/")
	}
	return u.String()
}

// Fold lowercases a string and collapses runs of whitespace into single
// spaces. Used for every lookup key and for fingerprinting.
func Fold(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Fingerprint computes the stable content hash of a job. Permuting the
// technology order or changing case/whitespace in title, company, location
// or description does not change the result.
func (j *Job) Fingerprint() string {
	techs := make([]string, len(j.Technologies))
	for i, t := range j.Technologies {
		techs[i] = Fold(t)
	}
	sort.Strings(techs)

	parts := []string{
		Fold(j.Title),
		Fold(j.Company),
		Fold(j.Location),
		strings.Join(techs, ","),
		strconv.Itoa(j.SalaryMin),
		strconv.Itoa(j.SalaryMax),
		Fold(j.Description),
	}
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:16])
}

// TitleCompanyKey returns the case-folded (title, company) pair used by
// level-3 duplicate detection.
func (j *Job) TitleCompanyKey() string {
	return Fold(j.Title) + "|" + Fold(j.Company)
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	c := *j
	c.Technologies = append([]string(nil), j.Technologies...)
	c.Benefits = append([]string(nil), j.Benefits...)
	c.Anomalies = append([]string(nil), j.Anomalies...)
	return &c
}

// CacheKey derives the content address for a blob holding the jobs
// captured from one page of one seed URL.
func CacheKey(seedURL string, page int) string {
	h := sha256.Sum256([]byte(CanonicalURL(seedURL) + "#page=" + strconv.Itoa(page)))
	return hex.EncodeToString(h[:16])
}
