package replication

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wegman-software/osmindex/internal/config"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeFeed serves sequences 0..latest, sequence n ending at end(n)
type fakeFeed struct {
	feed    Feed
	latest  int64
	end     func(seq int64) time.Time
	missing map[int64]bool
	status  int // forced status for every request when non-zero
}

func regularFeed(feed Feed, latest int64) *fakeFeed {
	return &fakeFeed{
		feed:   feed,
		latest: latest,
		end:    func(seq int64) time.Time { return base.Add(time.Duration(seq) * feed.Period()) },
	}
}

type fakePlanet struct {
	mu    sync.Mutex
	feeds map[string]*fakeFeed
	hits  map[string]int
}

func newFakePlanet(t *testing.T, feeds ...*fakeFeed) (*fakePlanet, *httptest.Server) {
	p := &fakePlanet{feeds: make(map[string]*fakeFeed), hits: make(map[string]int)}
	for _, f := range feeds {
		p.feeds[f.feed.String()] = f
	}
	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)
	return p, srv
}

func (p *fakePlanet) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.hits[r.URL.Path]++
	p.mu.Unlock()

	name, rest, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	f, ok := p.feeds[name]
	if !ok {
		http.NotFound(w, r)
		return
	}
	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}
	if rest == "state.txt" {
		WriteState(w, &State{SequenceNumber: f.latest, Timestamp: f.end(f.latest), Feed: f.feed})
		return
	}
	seq, err := PathToSequence(rest)
	if err != nil || seq > f.latest || f.missing[seq] {
		http.NotFound(w, r)
		return
	}
	switch {
	case strings.HasSuffix(rest, ".state.txt"):
		WriteState(w, &State{SequenceNumber: seq, Timestamp: f.end(seq), Feed: f.feed})
	case strings.HasSuffix(rest, ".osc.gz"):
		w.Write([]byte(f.feed.String() + " " + SequenceToPath(seq)))
	default:
		http.NotFound(w, r)
	}
}

func (p *fakePlanet) hitCount(path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits[path]
}

func fetchers(srv *httptest.Server, cacheDir string) [len(Feeds)]*Fetcher {
	var out [len(Feeds)]*Fetcher
	for _, f := range Feeds {
		dir := ""
		if cacheDir != "" {
			dir = filepath.Join(cacheDir, f.String())
		}
		out[f] = NewFetcher(PlanetSources(srv.URL)[f], dir, srv.Client())
	}
	return out
}

// standardPlanet has daily diffs up to Jan 11, hourly up to Jan 11 05:00
// and minutely up to Jan 11 05:07
func standardPlanet(t *testing.T) (*fakePlanet, *httptest.Server) {
	return newFakePlanet(t,
		regularFeed(Day, 10),
		regularFeed(Hour, 245),
		regularFeed(Minute, 245*60+7),
	)
}

func TestGuessSequenceNumberAt(t *testing.T) {
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		feed   Feed
		offset time.Duration
		want   int64
	}{
		{"five minutes back", Minute, -300 * time.Second, 995},
		{"at latest", Minute, 0, 1000},
		{"partial period", Minute, -90 * time.Second, 999},
		{"hour and a half", Hour, -90 * time.Minute, 999},
		{"future", Minute, 120 * time.Second, 1002},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			latest := &State{SequenceNumber: 1000, Timestamp: t0, Feed: tt.feed}
			if got := GuessSequenceNumberAt(latest, t0.Add(tt.offset)); got != tt.want {
				t.Errorf("GuessSequenceNumberAt() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCatchUpReachesLatest(t *testing.T) {
	_, srv := standardPlanet(t)
	ctx := context.Background()

	cu := NewCatchUpFromFetchers(fetchers(srv, ""))
	start := time.Date(2024, 1, 3, 22, 58, 0, 0, time.UTC)
	cu.Seek(start)
	if cu.Position() != Unpositioned {
		t.Fatalf("Position() after Seek = %v", cu.Position())
	}

	var states []*State
	for i := 0; i < 1000; i++ {
		ok, err := cu.MoveNext(ctx)
		if err != nil {
			t.Fatalf("MoveNext() error = %v", err)
		}
		if !ok {
			break
		}
		states = append(states, cu.Current())
		if cu.CurrentIsLatest() {
			break
		}
	}

	if !cu.CurrentIsLatest() {
		t.Fatalf("did not reach latest, last state %v", cu.Current())
	}

	var feeds []string
	prev := start
	for i, st := range states {
		if !st.Timestamp.After(prev) {
			t.Errorf("state %d %v does not end after %v", i, st, prev)
		}
		if !st.Start().Equal(prev) {
			t.Errorf("state %d %v starts at %v, want %v", i, st, st.Start(), prev)
		}
		prev = st.Timestamp
		feeds = append(feeds, st.Feed.String()[:1])
	}
	// 22:58 -> 23:00 by minute, one hour to midnight, days to Jan 11,
	// hours to 05:00, minutes to 05:07
	want := "mm" + "h" + "ddddddd" + "hhhhh" + "mmmmmmm"
	if got := strings.Join(feeds, ""); got != want {
		t.Errorf("feed path = %s, want %s", got, want)
	}

	ok, err := cu.MoveNext(ctx)
	if err != nil || ok {
		t.Errorf("MoveNext() at latest = %v, %v, want false, nil", ok, err)
	}
	if cu.Position() != Exhausted {
		t.Errorf("Position() = %v, want exhausted", cu.Position())
	}
}

func TestCatchUpPicksUpNewDiffs(t *testing.T) {
	planet, srv := standardPlanet(t)
	ctx := context.Background()

	cu := NewCatchUpFromFetchers(fetchers(srv, ""))
	cu.Seek(base.Add((245*60 + 6) * time.Minute))
	if ok, err := cu.MoveNext(ctx); !ok || err != nil {
		t.Fatalf("MoveNext() = %v, %v", ok, err)
	}
	if !cu.CurrentIsLatest() {
		t.Fatalf("Current() = %v, want latest", cu.Current())
	}
	if ok, _ := cu.MoveNext(ctx); ok {
		t.Fatal("MoveNext() past latest = true")
	}

	planet.mu.Lock()
	planet.feeds["minute"].latest++
	planet.mu.Unlock()

	ok, err := cu.MoveNext(ctx)
	if err != nil || !ok {
		t.Fatalf("MoveNext() after publish = %v, %v", ok, err)
	}
	if got := cu.Current().SequenceNumber; got != 245*60+8 {
		t.Errorf("Current() sequence = %d, want %d", got, 245*60+8)
	}
}

func TestCatchUpEndsOnCoarseFeed(t *testing.T) {
	// all three feeds end at Jan 11 00:00
	planet, srv := newFakePlanet(t,
		regularFeed(Day, 10),
		regularFeed(Hour, 240),
		regularFeed(Minute, 240*60),
	)
	ctx := context.Background()

	cu := NewCatchUpFromFetchers(fetchers(srv, ""))
	cu.Seek(time.Date(2024, 1, 3, 22, 58, 0, 0, time.UTC))

	steps := 0
	for ; steps < 1000 && !cu.CurrentIsLatest(); steps++ {
		ok, err := cu.MoveNext(ctx)
		if err != nil {
			t.Fatalf("MoveNext() error = %v", err)
		}
		if !ok {
			break
		}
	}
	if !cu.CurrentIsLatest() {
		t.Fatalf("CurrentIsLatest() = false after %d steps, current %v, position %v",
			steps, cu.Current(), cu.Position())
	}
	if cu.Current().Feed != Day || cu.Current().SequenceNumber != 10 {
		t.Errorf("Current() = %v, want day #10", cu.Current())
	}

	ok, err := cu.MoveNext(ctx)
	if err != nil || ok {
		t.Fatalf("MoveNext() at latest = %v, %v, want false, nil", ok, err)
	}
	if !cu.CurrentIsLatest() {
		t.Error("CurrentIsLatest() = false after exhausting")
	}

	// a new minute diff is found although the last diff came from the day feed
	planet.mu.Lock()
	planet.feeds["minute"].latest++
	planet.mu.Unlock()

	ok, err = cu.MoveNext(ctx)
	if err != nil || !ok {
		t.Fatalf("MoveNext() after publish = %v, %v", ok, err)
	}
	if got := cu.Current(); got.Feed != Minute || got.SequenceNumber != 240*60+1 {
		t.Errorf("Current() = %v, want minute #%d", got, 240*60+1)
	}
	if !cu.CurrentIsLatest() {
		t.Error("CurrentIsLatest() = false on newest minute diff")
	}
}

func TestCatchUpUnpositioned(t *testing.T) {
	_, srv := standardPlanet(t)

	cu := NewCatchUpFromFetchers(fetchers(srv, ""))
	ok, err := cu.MoveNext(context.Background())
	if err != nil || !ok {
		t.Fatalf("MoveNext() = %v, %v", ok, err)
	}
	if cu.Position() != AtMinutely || !cu.CurrentIsLatest() {
		t.Errorf("Position() = %v, CurrentIsLatest() = %v", cu.Position(), cu.CurrentIsLatest())
	}
}

func TestFindDiffAfter(t *testing.T) {
	// diffs are published every two minutes although the period is one
	feed := &fakeFeed{
		feed:    Minute,
		latest:  10,
		end:     func(seq int64) time.Time { return base.Add(time.Duration(2*seq) * time.Minute) },
		missing: map[int64]bool{3: true},
	}
	_, srv := newFakePlanet(t, feed)
	cu := NewCatchUpFromFetchers(fetchers(srv, ""))

	tests := []struct {
		name    string
		at      time.Duration
		wantSeq int64
		wantNil bool
	}{
		{name: "covering diff", at: 13*time.Minute + 30*time.Second, wantSeq: 7},
		{name: "gap before next diff", at: 8*time.Minute + 30*time.Second, wantSeq: 5},
		{name: "across missing sequence", at: 5 * time.Minute, wantSeq: 4},
		{name: "before first diff", at: -5 * time.Minute, wantSeq: 0},
		{name: "inside latest", at: 19*time.Minute + 30*time.Second, wantSeq: 10},
		{name: "after latest", at: 30 * time.Minute, wantNil: true},
		{name: "at latest end", at: 20 * time.Minute, wantNil: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cu.FindDiffAfter(context.Background(), Minute, base.Add(tt.at))
			if err != nil {
				t.Fatalf("FindDiffAfter() error = %v", err)
			}
			if tt.wantNil {
				if got != nil {
					t.Errorf("FindDiffAfter() = %v, want nil", got)
				}
				return
			}
			if got == nil || got.SequenceNumber != tt.wantSeq {
				t.Errorf("FindDiffAfter() = %v, want sequence %d", got, tt.wantSeq)
			}
		})
	}
}

func TestCatchUpTransportError(t *testing.T) {
	hour := regularFeed(Hour, 245)
	hour.status = http.StatusInternalServerError
	planet, srv := newFakePlanet(t, regularFeed(Day, 10), hour, regularFeed(Minute, 245*60+7))

	cu := NewCatchUpFromFetchers(fetchers(srv, ""))
	cu.Seek(base.Add(2 * time.Hour)) // hour aligned, not day aligned
	ok, err := cu.MoveNext(context.Background())
	if err == nil || ok {
		t.Fatalf("MoveNext() = %v, %v, want error", ok, err)
	}
	if n := planet.hitCount("/hour/state.txt"); n != 1 {
		t.Errorf("hour state fetched %d times, want 1", n)
	}
}

func TestFetcherDiff(t *testing.T) {
	planet, srv := standardPlanet(t)
	ctx := context.Background()
	cache := t.TempDir()
	f := fetchers(srv, cache)[Hour]

	path, err := f.Diff(ctx, 12)
	if err != nil {
		t.Fatalf("Diff() error = %v", err)
	}
	if want := filepath.Join(cache, "hour", "000", "000", "012.osc.gz"); path != want {
		t.Errorf("Diff() path = %q, want %q", path, want)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "hour 000/000/012" {
		t.Errorf("cached diff = %q, %v", data, err)
	}

	if _, err := f.Diff(ctx, 12); err != nil {
		t.Fatalf("second Diff() error = %v", err)
	}
	if n := planet.hitCount("/hour/000/000/012.osc.gz"); n != 1 {
		t.Errorf("diff downloaded %d times, want 1", n)
	}

	path, err = f.Diff(ctx, 9999)
	if err != nil || path != "" {
		t.Errorf("Diff() of missing sequence = %q, %v, want empty", path, err)
	}

	st, err := f.State(ctx, 9999)
	if err != nil || st != nil {
		t.Errorf("State() of missing sequence = %v, %v, want nil", st, err)
	}
}

func TestReplicatorRunOnce(t *testing.T) {
	_, srv := standardPlanet(t)
	ctx := context.Background()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.ReplicationURL = srv.URL
	cfg.ReplicationCache = filepath.Join(dir, "cache")
	cfg.StateFile = filepath.Join(dir, "state.txt")

	r := NewReplicator(cfg)
	for i := range r.fetchers {
		r.fetchers[i].client = srv.Client()
	}

	if _, err := r.RunOnce(ctx, nil, 0); err == nil {
		t.Fatal("RunOnce() before Init succeeded")
	}

	start := time.Date(2024, 1, 10, 23, 59, 0, 0, time.UTC)
	if _, err := r.Init(ctx, start); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	var applied []string
	handle := func(_ context.Context, st *State, path string) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		applied = append(applied, string(data))
		return nil
	}

	n, err := r.RunOnce(ctx, handle, 3)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	want := []string{"minute 000/014/400", "hour 000/000/241", "hour 000/000/242"}
	if n != 3 || strings.Join(applied, ",") != strings.Join(want, ",") {
		t.Fatalf("RunOnce() applied %d %v, want %v", n, applied, want)
	}

	// the state file survives a restart
	r2 := NewReplicator(cfg)
	for i := range r2.fetchers {
		r2.fetchers[i].client = srv.Client()
	}
	n, err = r2.RunOnce(ctx, handle, 0)
	if err != nil {
		t.Fatalf("second RunOnce() error = %v", err)
	}
	if n != 3+7 {
		t.Errorf("second RunOnce() applied %d, want 10", n)
	}
	if got := r2.State(); got.Feed != Minute || got.SequenceNumber != 245*60+7 {
		t.Errorf("State() = %v, want latest minute", got)
	}

	status, err := r2.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.Lag != 0 {
		t.Errorf("Status().Lag = %v, want 0", status.Lag)
	}
}
