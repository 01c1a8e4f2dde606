package detector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"protocol-monitor/internal/alerting"
	"protocol-monitor/internal/config"
	"protocol-monitor/internal/storage"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSnapshots struct {
	latest map[string]*storage.Snapshot
	asOf   map[string]*storage.Snapshot
	errs   map[string]error
}

func (f *fakeSnapshots) InsertSnapshot(ctx context.Context, snap storage.Snapshot) (bool, error) {
	return true, nil
}

func (f *fakeSnapshots) LatestSnapshot(ctx context.Context, protocolID string) (*storage.Snapshot, error) {
	if err := f.errs[protocolID]; err != nil {
		return nil, err
	}
	return f.latest[protocolID], nil
}

func (f *fakeSnapshots) SnapshotAsOf(ctx context.Context, protocolID string, cutoff time.Time) (*storage.Snapshot, error) {
	if err := f.errs[protocolID]; err != nil {
		return nil, err
	}
	return f.asOf[protocolID], nil
}

func (f *fakeSnapshots) ListSnapshotsSince(ctx context.Context, protocolID string, since time.Time) ([]storage.Snapshot, error) {
	return nil, nil
}

func (f *fakeSnapshots) ListRecentSnapshots(ctx context.Context, protocolID string, limit int) ([]storage.Snapshot, error) {
	return nil, nil
}

type fakeLedger struct {
	saved      []alerting.Candidate
	saveErr    error
	suppressed bool
}

func (f *fakeLedger) Save(ctx context.Context, cand alerting.Candidate) (alerting.Outcome, error) {
	if f.saveErr != nil {
		return alerting.OutcomeSuppressed, f.saveErr
	}
	f.saved = append(f.saved, cand)
	if f.suppressed {
		return alerting.OutcomeSuppressed, nil
	}
	return alerting.OutcomeInserted, nil
}

func dec(t *testing.T, s string) *decimal.Decimal {
	t.Helper()
	v, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return &v
}

func testProtocols() map[string]config.ProtocolConfig {
	return map[string]config.ProtocolConfig{
		"aave-v3": {
			Name:      "Aave V3",
			LlamaSlug: "aave-v3",
			Type:      "lending",
			Chain:     "ethereum",
		},
		"uniswap-v3": {
			Name:      "Uniswap V3",
			LlamaSlug: "uniswap-v3",
			Type:      "dex",
			Chain:     "ethereum",
		},
	}
}

func defaultThresholds() Thresholds {
	return ThresholdsFromConfig(config.DetectionConfig{
		TVLDrop24hPercent:     20.0,
		APYMinPercent:         2.0,
		UtilizationMaxPercent: 95.0,
	})
}

func newTestDetector(snapshots storage.SnapshotStore, ledger Ledger) *Detector {
	return New(snapshots, ledger, testProtocols(), defaultThresholds(), zerolog.Nop()).
		WithClock(func() time.Time { return testNow })
}

func snapshotWith(t *testing.T, tvl, apy, util string) *storage.Snapshot {
	t.Helper()
	snap := &storage.Snapshot{
		ProtocolID: "aave-v3",
		Timestamp:  testNow,
	}
	if tvl != "" {
		snap.TVLUSD = dec(t, tvl)
	}
	if apy != "" {
		snap.APY7d = dec(t, apy)
	}
	if util != "" {
		snap.Utilization = dec(t, util)
	}
	return snap
}

func TestCheckTVLDropCritical(t *testing.T) {
	store := &fakeSnapshots{
		latest: map[string]*storage.Snapshot{"aave-v3": snapshotWith(t, "35000000000.00", "", "")},
		asOf:   map[string]*storage.Snapshot{"aave-v3": snapshotWith(t, "50000000000.00", "", "")},
	}
	det := newTestDetector(store, &fakeLedger{})

	cand, err := det.checkTVLDrop(context.Background(), "aave-v3", testProtocols()["aave-v3"], testNow)
	if err != nil {
		t.Fatalf("checkTVLDrop returned error: %v", err)
	}
	if cand == nil {
		t.Fatal("expected a candidate for a 30% drop")
	}
	if cand.Kind != alerting.KindTVLDrop {
		t.Fatalf("unexpected kind %q", cand.Kind)
	}
	if cand.Severity != alerting.SeverityCritical {
		t.Fatalf("expected critical severity, got %q", cand.Severity)
	}
	want := "TVL dropped 30.00% in 24 hours (from $50,000,000,000.00 to $35,000,000,000.00)"
	if cand.Message != want {
		t.Fatalf("message mismatch:\n got: %s\nwant: %s", cand.Message, want)
	}
	if !cand.TriggeredAt.Equal(testNow) {
		t.Fatalf("triggered at should be now, got %s", cand.TriggeredAt)
	}
}

func TestCheckTVLDropBoundaries(t *testing.T) {
	cases := []struct {
		name     string
		latest   *storage.Snapshot
		previous *storage.Snapshot
		want     bool
	}{
		{
			name:     "exactly at threshold triggers",
			latest:   &storage.Snapshot{TVLUSD: dec(t, "80")},
			previous: &storage.Snapshot{TVLUSD: dec(t, "100")},
			want:     true,
		},
		{
			name:     "below threshold does not trigger",
			latest:   &storage.Snapshot{TVLUSD: dec(t, "81")},
			previous: &storage.Snapshot{TVLUSD: dec(t, "100")},
			want:     false,
		},
		{
			name:     "tvl increase never triggers",
			latest:   &storage.Snapshot{TVLUSD: dec(t, "150")},
			previous: &storage.Snapshot{TVLUSD: dec(t, "100")},
			want:     false,
		},
		{
			name:     "zero previous tvl is skipped",
			latest:   &storage.Snapshot{TVLUSD: dec(t, "50")},
			previous: &storage.Snapshot{TVLUSD: dec(t, "0")},
			want:     false,
		},
		{
			name:   "missing 24h history is skipped",
			latest: &storage.Snapshot{TVLUSD: dec(t, "50")},
			want:   false,
		},
		{
			name:     "missing latest tvl is skipped",
			latest:   &storage.Snapshot{},
			previous: &storage.Snapshot{TVLUSD: dec(t, "100")},
			want:     false,
		},
		{
			name: "no snapshots at all",
			want: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeSnapshots{
				latest: map[string]*storage.Snapshot{"aave-v3": tc.latest},
				asOf:   map[string]*storage.Snapshot{"aave-v3": tc.previous},
			}
			det := newTestDetector(store, &fakeLedger{})

			cand, err := det.checkTVLDrop(context.Background(), "aave-v3", testProtocols()["aave-v3"], testNow)
			if err != nil {
				t.Fatalf("checkTVLDrop returned error: %v", err)
			}
			if got := cand != nil; got != tc.want {
				t.Fatalf("candidate presence = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCheckAPYLow(t *testing.T) {
	cases := []struct {
		name string
		apy  string
		want bool
	}{
		{"below threshold warns", "1.50", true},
		{"exactly at threshold is fine", "2.00", false},
		{"healthy apy is fine", "5.50", false},
		{"missing apy is skipped", "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeSnapshots{
				latest: map[string]*storage.Snapshot{"aave-v3": snapshotWith(t, "100", tc.apy, "")},
			}
			det := newTestDetector(store, &fakeLedger{})

			cand, err := det.checkAPYLow(context.Background(), "aave-v3", testProtocols()["aave-v3"], testNow)
			if err != nil {
				t.Fatalf("checkAPYLow returned error: %v", err)
			}
			if got := cand != nil; got != tc.want {
				t.Fatalf("candidate presence = %v, want %v", got, tc.want)
			}
			if cand != nil {
				if cand.Severity != alerting.SeverityWarning {
					t.Fatalf("expected warning severity, got %q", cand.Severity)
				}
				want := "APY dropped below threshold: 1.50% (threshold: 2.00%)"
				if cand.Message != want {
					t.Fatalf("message mismatch:\n got: %s\nwant: %s", cand.Message, want)
				}
			}
		})
	}
}

func TestCheckUtilizationHigh(t *testing.T) {
	cases := []struct {
		name     string
		protocol string
		util     string
		want     bool
	}{
		{"lending above ceiling warns", "aave-v3", "0.97", true},
		{"lending below ceiling is fine", "aave-v3", "0.85", false},
		{"exactly at ceiling is fine", "aave-v3", "0.95", false},
		{"non-lending is never evaluated", "uniswap-v3", "0.99", false},
		{"missing utilization is skipped", "aave-v3", "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeSnapshots{
				latest: map[string]*storage.Snapshot{tc.protocol: snapshotWith(t, "100", "", tc.util)},
			}
			det := newTestDetector(store, &fakeLedger{})

			cand, err := det.checkUtilizationHigh(context.Background(), tc.protocol, testProtocols()[tc.protocol], testNow)
			if err != nil {
				t.Fatalf("checkUtilizationHigh returned error: %v", err)
			}
			if got := cand != nil; got != tc.want {
				t.Fatalf("candidate presence = %v, want %v", got, tc.want)
			}
			if cand != nil {
				want := "Utilization rate critically high: 97.00% (threshold: 95.00%)"
				if cand.Message != want {
					t.Fatalf("message mismatch:\n got: %s\nwant: %s", cand.Message, want)
				}
			}
		})
	}
}

func TestDetectOneSavesEveryCandidate(t *testing.T) {
	store := &fakeSnapshots{
		latest: map[string]*storage.Snapshot{"aave-v3": snapshotWith(t, "35000000000", "1.50", "0.97")},
		asOf:   map[string]*storage.Snapshot{"aave-v3": snapshotWith(t, "50000000000", "5.00", "0.75")},
	}
	ledger := &fakeLedger{}
	det := newTestDetector(store, ledger)

	candidates, err := det.DetectOne(context.Background(), "aave-v3")
	if err != nil {
		t.Fatalf("DetectOne returned error: %v", err)
	}
	if len(candidates) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(candidates))
	}
	if len(ledger.saved) != 3 {
		t.Fatalf("expected 3 saves through the ledger, got %d", len(ledger.saved))
	}

	kinds := map[alerting.Kind]bool{}
	for _, cand := range candidates {
		kinds[cand.Kind] = true
	}
	for _, kind := range []alerting.Kind{alerting.KindTVLDrop, alerting.KindAPYLow, alerting.KindUtilizationHigh} {
		if !kinds[kind] {
			t.Fatalf("missing candidate kind %q", kind)
		}
	}
}

func TestDetectOneReturnsSuppressedCandidates(t *testing.T) {
	store := &fakeSnapshots{
		latest: map[string]*storage.Snapshot{"aave-v3": snapshotWith(t, "100", "1.50", "")},
	}
	ledger := &fakeLedger{suppressed: true}
	det := newTestDetector(store, ledger)

	candidates, err := det.DetectOne(context.Background(), "aave-v3")
	if err != nil {
		t.Fatalf("DetectOne returned error: %v", err)
	}
	// The return value reports what was detected this run; suppression only
	// affects the ledger.
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(candidates))
	}
}

func TestDetectOneUnknownProtocol(t *testing.T) {
	det := newTestDetector(&fakeSnapshots{}, &fakeLedger{})

	if _, err := det.DetectOne(context.Background(), "nope"); !errors.Is(err, ErrUnknownProtocol) {
		t.Fatalf("expected ErrUnknownProtocol, got %v", err)
	}
}

func TestDetectAllIsolatesFailures(t *testing.T) {
	store := &fakeSnapshots{
		latest: map[string]*storage.Snapshot{"uniswap-v3": snapshotWith(t, "100", "1.50", "")},
		errs:   map[string]error{"aave-v3": errors.New("connection refused")},
	}
	ledger := &fakeLedger{}
	det := newTestDetector(store, ledger)

	results := det.DetectAll(context.Background())

	if len(results) != 2 {
		t.Fatalf("results must cover every configured protocol, got %d entries", len(results))
	}
	if got, ok := results["aave-v3"]; !ok || len(got) != 0 {
		t.Fatalf("failed protocol should map to an empty list, got %v (present=%v)", got, ok)
	}
	if len(results["uniswap-v3"]) != 1 {
		t.Fatalf("healthy protocol should still be processed, got %v", results["uniswap-v3"])
	}
}

func TestDetectOneContinuesAfterSaveError(t *testing.T) {
	store := &fakeSnapshots{
		latest: map[string]*storage.Snapshot{"aave-v3": snapshotWith(t, "100", "1.50", "0.97")},
	}
	ledger := &fakeLedger{saveErr: errors.New("insert failed")}
	det := newTestDetector(store, ledger)

	candidates, err := det.DetectOne(context.Background(), "aave-v3")
	if err != nil {
		t.Fatalf("DetectOne should not fail on a save error: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected both candidates despite save errors, got %d", len(candidates))
	}
}

func TestFormatUSD(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"50000000000", "50,000,000,000.00"},
		{"1234.5", "1,234.50"},
		{"999.99", "999.99"},
		{"0", "0.00"},
		{"-1234567.89", "-1,234,567.89"},
	}
	for _, tc := range cases {
		if got := formatUSD(decimal.RequireFromString(tc.in)); got != tc.want {
			t.Fatalf("formatUSD(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}
