package feeds

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/linnemanlabs/certguard/internal/vuln"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestLoader_MixedSources(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/kev.json":
			_, _ = w.Write([]byte(kevJSON))
		case "/nvd.json":
			_, _ = w.Write([]byte(nvdJSON))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	corpus := writeFile(t, "corpus.txt", "Researchers tied the kit to CVE-2022-1388 on exposed F5 devices.")
	l := NewLoader(Sources{
		KEV:    srv.URL + "/kev.json",
		NVD:    []string{srv.URL + "/nvd.json"},
		Corpus: []string{corpus},
	}, srv.Client())

	recs, text, err := l.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(recs) != 5 {
		t.Errorf("records = %d, want 5", len(recs))
	}
	if !strings.Contains(text, "CVE-2022-1388") {
		t.Errorf("corpus = %q", text)
	}

	pool := vuln.Build(recs, text)
	ids := make([]string, 0, len(pool))
	for _, c := range pool {
		ids = append(ids, c.ID)
	}
	if len(pool) != 5 {
		t.Errorf("pool ids = %v", ids)
	}
}

func TestLoader_FailingSource(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	l := NewLoader(Sources{KEV: srv.URL, Advisory: []string{writeFile(t, "adv.json", `[]`)}}, srv.Client())
	_, _, err := l.Load(context.Background())
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("err = %v, want status 502", err)
	}
}

func TestLoader_Errors(t *testing.T) {
	t.Parallel()

	if _, _, err := NewLoader(Sources{}, nil).Load(context.Background()); !errors.Is(err, ErrNoSources) {
		t.Errorf("empty sources err = %v", err)
	}
	if _, _, err := NewLoader(Sources{NVD: []string{"/does/not/exist.json"}}, nil).Load(context.Background()); err == nil {
		t.Error("expected error for missing file")
	}
	bad := writeFile(t, "bad.json", `{not json`)
	if _, _, err := NewLoader(Sources{Advisory: []string{bad}}, nil).Load(context.Background()); err == nil {
		t.Error("expected parse error")
	}
}

type fakeSource struct {
	calls   atomic.Int32
	records []vuln.FeedRecord
	corpus  string
	err     error
}

func (f *fakeSource) Load(context.Context) ([]vuln.FeedRecord, string, error) {
	f.calls.Add(1)
	return f.records, f.corpus, f.err
}

func TestRefresher_KeepsPoolOnFailure(t *testing.T) {
	t.Parallel()

	pool := vuln.NewPool(nil)
	src := &fakeSource{records: []vuln.FeedRecord{Advisory{ID: "ADV-2024-0001", Title: "x"}}}
	var sizes []int
	r := NewRefresher(src, pool, nil, func(n int) { sizes = append(sizes, n) })

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if pool.Len() != 1 || len(sizes) != 1 || sizes[0] != 1 {
		t.Fatalf("pool len = %d, sizes = %v", pool.Len(), sizes)
	}

	src.err = errors.New("upstream down")
	if err := r.Refresh(context.Background()); err == nil {
		t.Error("expected error")
	}
	if pool.Len() != 1 {
		t.Error("failed refresh must keep the previous pool")
	}

	src.err = nil
	src.records = nil
	if err := r.Refresh(context.Background()); !errors.Is(err, errEmptyBuild) {
		t.Errorf("err = %v, want errEmptyBuild", err)
	}
	if pool.Len() != 1 {
		t.Error("empty build must not replace a populated pool")
	}
}

func TestRefresher_Run(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := &fakeSource{corpus: "see CVE-2024-0001"}
	r := NewRefresher(src, vuln.NewPool(nil), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for src.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	<-done

	if src.calls.Load() < 2 {
		t.Errorf("calls = %d, want >= 2", src.calls.Load())
	}
}
