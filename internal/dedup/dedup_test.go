package dedup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/jobsift/jobsift/internal/obs"
	"github.com/jobsift/jobsift/internal/types"
)

func mkJob(url, title, company, fp string) *types.Job {
	return &types.Job{URL: url, Title: title, Company: company, SourceFingerprint: fp}
}

func newDedup() *Deduplicator {
	return New(0.85, obs.Discard(), obs.NewMetrics())
}

func TestLevelsInOrder(t *testing.T) {
	d := newDedup()

	base := mkJob("https://a/1", "Dev Backend", "Acme", "f1")
	if _, rep := d.Dedupe([]*types.Job{base}); rep.Duplicates != 0 {
		t.Fatalf("first job flagged: %+v", rep)
	}

	cases := []struct {
		name   string
		job    *types.Job
		reason string
	}{
		{"same url", mkJob("https://a/1", "Outro Título", "Beta", "f9"), ReasonURL},
		{"same fingerprint", mkJob("https://a/2", "Outro Título", "Beta", "f1"), ReasonFingerprint},
		{"same title+company", mkJob("https://a/3", "dev   BACKEND", "acme", "f3"), ReasonTitleCompany},
		{"fuzzy title", mkJob("https://a/4", "Dev Backendd", "Acme Ltda", "f4"), ReasonFuzzyTitle},
	}
	for _, tc := range cases {
		_, rep := d.Dedupe([]*types.Job{tc.job})
		if rep.Duplicates != 1 || rep.ByReason[tc.reason] != 1 {
			t.Errorf("%s: report %+v, want reason %s", tc.name, rep, tc.reason)
		}
	}
}

func TestFuzzyNeedsCompanyOverlap(t *testing.T) {
	d := newDedup()
	d.Dedupe([]*types.Job{mkJob("https://a/1", "Dev Backend Go", "Acme Tech", "f1")})

	// Near-identical title but an unrelated company is not a duplicate.
	unique, rep := d.Dedupe([]*types.Job{mkJob("https://a/2", "Dev Backend Go!", "Zeta Corp", "f2")})
	if len(unique) != 1 || rep.Duplicates != 0 {
		t.Fatalf("unrelated company flagged: %+v", rep)
	}
}

func TestBatchClosure(t *testing.T) {
	// 100 records with 18 duplicates spread across the four levels.
	// Companies are single distinct tokens so the numbered titles cannot
	// cross-match through the fuzzy level.
	var jobs []*types.Job
	for i := 0; i < 82; i++ {
		jobs = append(jobs, mkJob(
			fmt.Sprintf("https://site/vaga-%03d", i),
			fmt.Sprintf("Analista de Sistemas Nível %03d", i),
			fmt.Sprintf("Empresa%03d", i),
			fmt.Sprintf("fp-%03d", i)))
	}
	for i := 0; i < 5; i++ { // url dups
		jobs = append(jobs, mkJob(fmt.Sprintf("https://site/vaga-%03d", i),
			"Título Diferente", "Outra", fmt.Sprintf("x-%d", i)))
	}
	for i := 0; i < 5; i++ { // fingerprint dups
		jobs = append(jobs, mkJob(fmt.Sprintf("https://site/nova-%d", i),
			"Título Diferente 2", "Outra2", fmt.Sprintf("fp-%03d", i+10)))
	}
	for i := 0; i < 4; i++ { // title+company dups
		jobs = append(jobs, mkJob(fmt.Sprintf("https://site/tc-%d", i),
			fmt.Sprintf("analista de sistemas nível %03d", i+20),
			fmt.Sprintf("empresa%03d", i+20), fmt.Sprintf("y-%d", i)))
	}
	for i := 0; i < 4; i++ { // fuzzy dups: one trailing char off, same company
		jobs = append(jobs, mkJob(fmt.Sprintf("https://site/fz-%d", i),
			fmt.Sprintf("Analista de Sistemas Nível %03d!", i+30),
			fmt.Sprintf("Empresa%03d", i+30), fmt.Sprintf("z-%d", i)))
	}

	d := newDedup()
	unique, rep := d.Dedupe(jobs)
	if rep.Total != 100 {
		t.Fatalf("total = %d", rep.Total)
	}
	if len(unique) != 82 || rep.Unique != 82 || rep.Duplicates != 18 {
		t.Fatalf("unique=%d duplicates=%d", rep.Unique, rep.Duplicates)
	}
	sum := 0
	for _, n := range rep.ByReason {
		sum += n
	}
	if sum != 18 {
		t.Fatalf("reasons sum = %d", sum)
	}

	// The unique set is closed: a fresh pass removes nothing.
	again, rep2 := New(0.85, obs.Discard(), obs.NewMetrics()).Dedupe(unique)
	if len(again) != len(unique) || rep2.Duplicates != 0 {
		t.Fatalf("second pass removed %d", rep2.Duplicates)
	}
}

func TestCleanFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.json")

	jobs := []*types.Job{
		mkJob("https://a/1", "Dev", "Acme", "f1"),
		mkJob("https://a/1", "Dev", "Acme", "f1"),
		mkJob("https://a/2", "QA", "Beta", "f2"),
	}
	data, _ := json.Marshal(jobs)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	rep, err := CleanFile(path, 0.85, obs.Discard(), obs.NewMetrics())
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if rep.Total != 3 || rep.Unique != 2 || rep.Duplicates != 1 {
		t.Fatalf("report %+v", rep)
	}
	if rep.BackupPath != path+".bak" {
		t.Fatalf("backup = %q", rep.BackupPath)
	}

	backup, err := os.ReadFile(rep.BackupPath)
	if err != nil || len(backup) != len(data) {
		t.Fatalf("backup mismatch: %v", err)
	}

	var cleaned []*types.Job
	out, _ := os.ReadFile(path)
	if err := json.Unmarshal(out, &cleaned); err != nil {
		t.Fatal(err)
	}
	if len(cleaned) != 2 {
		t.Fatalf("cleaned = %d", len(cleaned))
	}
}

func TestCleanFileCorruptInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	os.WriteFile(path, []byte("{nope"), 0o644)
	if _, err := CleanFile(path, 0.85, obs.Discard(), obs.NewMetrics()); err == nil {
		t.Fatal("corrupt file accepted")
	}
}
