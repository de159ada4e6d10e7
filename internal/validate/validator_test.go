package validate

import (
	"reflect"
	"testing"
	"time"

	"github.com/jobsift/jobsift/internal/extract"
	"github.com/jobsift/jobsift/internal/obs"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func TestParseSalaryRange(t *testing.T) {
	cases := []struct {
		in       string
		min, max int
	}{
		{"R$ 5.000 - R$ 7.000", 5000, 7000},
		{"R$ 7.000 - R$ 5.000", 5000, 7000}, // inverted range swaps
		{"5 mil a 8 mil", 5000, 8000},
		{"4k-6k", 4000, 6000},
		{"R$ 3.500,00", 3500, 3500},
		{"a combinar", 0, 0},
		{"R$ 2", 0, 0}, // below bound
		{"", 0, 0},
	}
	for _, tc := range cases {
		gotMin, gotMax := ParseSalaryRange(tc.in, 500, 100000)
		if gotMin != tc.min || gotMax != tc.max {
			t.Errorf("ParseSalaryRange(%q) = (%d, %d), want (%d, %d)",
				tc.in, gotMin, gotMax, tc.min, tc.max)
		}
	}
}

func TestParseTechnologies(t *testing.T) {
	got := ParseTechnologies("Python, Go; Python | 12345, React, x")
	want := []string{"python", "go", "react"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("technologies = %v, want %v", got, want)
	}
}

func TestBuildNormalizesAndFingerprints(t *testing.T) {
	v := New(obs.Discard(), obs.NewMetrics())
	raw := extract.RawJob{
		extract.FieldLink:        "/vagas/dev-123?utm_source=x",
		extract.FieldTitle:       "  Desenvolvedor   Backend  ",
		extract.FieldCompany:     "Acme Tech",
		extract.FieldLocation:    "Remoto",
		extract.FieldSalary:      "R$ 5.000 - R$ 7.000",
		extract.FieldDescription: "Vaga para desenvolvedor backend com experiência em Go e serviços distribuídos de alto volume.",
		extract.FieldTechs:       "Go, Docker, PostgreSQL",
	}

	job, err := v.Build(raw, "https://example.com/vagas", testNow)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if job.URL != "https://example.com/vagas/dev-123" {
		t.Fatalf("url = %q", job.URL)
	}
	if job.Title != "Desenvolvedor Backend" {
		t.Fatalf("title = %q", job.Title)
	}
	if job.WorkMode != "remote" {
		t.Fatalf("work_mode = %q", job.WorkMode)
	}
	if job.SalaryMin != 5000 || job.SalaryMax != 7000 {
		t.Fatalf("salary = %d-%d", job.SalaryMin, job.SalaryMax)
	}
	if !reflect.DeepEqual(job.Technologies, []string{"go", "docker", "postgresql"}) {
		t.Fatalf("technologies = %v", job.Technologies)
	}
	if job.SourceFingerprint == "" {
		t.Fatal("fingerprint not set")
	}

	// Normalization is idempotent: rebuilding from the same raw fields
	// yields the same fingerprint.
	again, err := v.Build(raw, "https://example.com/vagas", testNow)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if again.SourceFingerprint != job.SourceFingerprint {
		t.Fatal("fingerprint unstable across identical builds")
	}
}

func TestBuildRejectsMissingRequired(t *testing.T) {
	v := New(obs.Discard(), obs.NewMetrics())
	cases := []struct {
		name string
		raw  extract.RawJob
	}{
		{"no url", extract.RawJob{extract.FieldTitle: "Dev", extract.FieldCompany: "Acme"}},
		{"no title", extract.RawJob{extract.FieldLink: "/v/1", extract.FieldCompany: "Acme"}},
		{"no company nor description", extract.RawJob{extract.FieldLink: "/v/1", extract.FieldTitle: "Dev"}},
	}
	for _, tc := range cases {
		if _, err := v.Build(tc.raw, "https://example.com", testNow); err == nil {
			t.Errorf("%s: expected rejection", tc.name)
		}
	}
}

func TestBuildAnomalies(t *testing.T) {
	v := New(obs.Discard(), obs.NewMetrics())
	raw := extract.RawJob{
		extract.FieldLink:        "/v/1",
		extract.FieldTitle:       "Acme Tech",
		extract.FieldCompany:     "Acme Tech",
		extract.FieldDescription: "curta",
		extract.FieldPostedAt:    "2020-01-01",
	}
	job, err := v.Build(raw, "https://example.com", testNow)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := map[string]bool{
		"short_description":    true,
		"company_equals_title": true,
		"posted_at_stale":      true,
	}
	for _, a := range job.Anomalies {
		if !want[a] {
			t.Errorf("unexpected anomaly %q", a)
		}
		delete(want, a)
	}
	for a := range want {
		t.Errorf("missing anomaly %q", a)
	}
}

func TestParsePostedAtRelative(t *testing.T) {
	if got, ok := parsePostedAt("há 3 dias", testNow); !ok || !got.Equal(testNow.AddDate(0, 0, -3)) {
		t.Fatalf("há 3 dias = %v ok=%v", got, ok)
	}
	if got, ok := parsePostedAt("hoje", testNow); !ok || !got.Equal(testNow) {
		t.Fatalf("hoje = %v ok=%v", got, ok)
	}
	if _, ok := parsePostedAt("sem data", testNow); ok {
		t.Fatal("parsed nonsense date")
	}
}

func TestBatchQualityScore(t *testing.T) {
	metrics := obs.NewMetrics()
	v := New(obs.Discard(), metrics)

	good := extract.RawJob{
		extract.FieldLink:        "/v/ok",
		extract.FieldTitle:       "Dev Backend",
		extract.FieldCompany:     "Acme",
		extract.FieldDescription: "Uma descrição suficientemente longa para não disparar a flag de descrição curta nesta vaga.",
	}
	bad := extract.RawJob{extract.FieldTitle: "sem link"}

	jobs, rejected := v.Batch([]extract.RawJob{good, bad}, "https://example.com", testNow)
	if len(jobs) != 1 || rejected != 1 {
		t.Fatalf("jobs=%d rejected=%d", len(jobs), rejected)
	}

	snap := metrics.Snapshot()
	q := snap.Gauges["validation.quality_score"]
	// 1 - (1 + 0*0.5)/2 = 0.5
	if q != 0.5 {
		t.Fatalf("quality = %v, want 0.5", q)
	}
}

func TestSalaryOutlierFence(t *testing.T) {
	v := New(obs.Discard(), obs.NewMetrics())
	mk := func(i int, salary string) extract.RawJob {
		return extract.RawJob{
			extract.FieldLink:    "/v/" + string(rune('a'+i)),
			extract.FieldTitle:   "Dev",
			extract.FieldCompany: "Acme",
			extract.FieldSalary:  salary,
		}
	}
	raws := []extract.RawJob{
		mk(0, "R$ 5.000"), mk(1, "R$ 5.200"), mk(2, "R$ 5.100"),
		mk(3, "R$ 4.900"), mk(4, "R$ 90.000"),
	}
	jobs, _ := v.Batch(raws, "https://example.com", testNow)
	if len(jobs) != 5 {
		t.Fatalf("jobs = %d", len(jobs))
	}
	var flagged int
	for _, j := range jobs {
		for _, a := range j.Anomalies {
			if a == "salary_outlier" {
				flagged++
				if j.SalaryMin != 90000 {
					t.Fatalf("wrong job flagged: %d", j.SalaryMin)
				}
			}
		}
	}
	if flagged != 1 {
		t.Fatalf("flagged = %d, want 1", flagged)
	}
}
