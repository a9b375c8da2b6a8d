package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-extractor/internal/sandbox/contract"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/sandbox/governor"
)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%d", s.n.Add(1)), nil
}

func startTicker(t *testing.T) *governor.EpochTicker {
	t.Helper()
	ticker := governor.NewEpochTicker(5 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ticker.Run(ctx)
	return ticker
}

func loadFixture(t *testing.T, name string) *Image {
	t.Helper()
	img, err := LoadFile(filepath.Join("..", "testdata", name))
	require.NoError(t, err)
	return img
}

func newTestContext(t *testing.T, img *Image, mutate func(*governor.Limits)) *Context {
	t.Helper()
	limits := governor.DefaultLimits()
	limits.EpochDeadline = 2 * time.Second
	if mutate != nil {
		mutate(&limits)
	}
	f, err := NewFactory(img, limits, startTicker(t), &seqIDs{}, zap.NewNop())
	require.NoError(t, err)
	inst, err := f.NewInstance(context.Background())
	require.NoError(t, err)
	c, err := inst.NewContext()
	require.NoError(t, err)
	t.Cleanup(c.Discard)
	return c
}

func request(html string) contract.Request {
	return contract.Request{
		URL:  "https://example.com/news/today",
		HTML: html,
		Mode: contract.Mode{Tag: contract.ModeArticle},
	}
}

func TestLoadBuiltin(t *testing.T) {
	t.Parallel()

	img, err := Builtin()
	require.NoError(t, err)
	info := img.Info()
	require.Equal(t, "builtin-extractor", info.Name)
	require.True(t, contract.Compatible(info.ContractVersion))
	require.ElementsMatch(t, []string{"article", "full", "metadata", "custom"}, info.SupportedModes)
	require.Len(t, img.Digest(), 64)

	again, err := Builtin()
	require.NoError(t, err)
	require.Same(t, img, again)
}

func TestLoadRejectsContractMismatch(t *testing.T) {
	t.Parallel()

	cases := map[string]error{
		"missing_export.js": ErrMissingExport,
		"bad_version.js":    ErrContractMismatch,
		"bad_info.js":       ErrContractMismatch,
	}
	for name, want := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := LoadFile(filepath.Join("..", "testdata", name))
			require.ErrorIs(t, err, want)
		})
	}
}

func TestLoadRejectsSyntaxError(t *testing.T) {
	t.Parallel()

	_, err := Load("broken.js", []byte("function extract( {"))
	require.ErrorIs(t, err, ErrContractMismatch)
}

func TestLoadRejectsTopLevelLoop(t *testing.T) {
	t.Parallel()

	_, err := Load("spin.js", []byte("while (true) {}"))
	require.ErrorIs(t, err, ErrContractMismatch)
}

func TestBuiltinExtractArticle(t *testing.T) {
	t.Parallel()

	img, err := Builtin()
	require.NoError(t, err)
	c := newTestContext(t, img, nil)

	html := `<html lang="en"><head><title>Prices &amp; Wages</title>
<meta name="author" content="Jane Doe">
<meta property="article:published_time" content="2024-03-01T12:00:00Z">
<meta name="description" content="Monthly CPI"></head>
<body><nav>skip me</nav><article><h1>Prices</h1><p>Consumer prices rose.</p>
<a href="/cpi">CPI</a><img src="chart.png"></article></body></html>`

	res, err := c.Extract(request(html))
	require.NoError(t, err)
	require.Nil(t, res.Err)
	require.NotNil(t, res.Ok)

	doc := res.Ok
	require.Equal(t, "Prices & Wages", *doc.Title)
	require.Equal(t, "Jane Doe", *doc.Byline)
	require.Equal(t, "2024-03-01T12:00:00Z", *doc.PublishedISO)
	require.Equal(t, "en", *doc.Language)
	require.Equal(t, "Monthly CPI", *doc.Description)
	require.Equal(t, []string{"https://example.com/cpi"}, doc.Links)
	require.Equal(t, []string{"https://example.com/news/chart.png"}, doc.Media)
	require.NotContains(t, doc.Text, "skip me")
	require.Contains(t, doc.Markdown, "# Prices")
	require.Equal(t, 5, *doc.WordCount)
	require.Equal(t, 70, *doc.QualityScore)

	usage := c.Usage()
	require.NotZero(t, usage.FuelUsed)
	require.NotZero(t, usage.PagesUsed)
	require.Equal(t, governor.ReasonNone, usage.Reason)
}

func TestBuiltinValidateInput(t *testing.T) {
	t.Parallel()

	img, err := Builtin()
	require.NoError(t, err)

	c := newTestContext(t, img, nil)
	v, err := c.ValidateInput("plain text")
	require.NoError(t, err)
	require.Nil(t, v.Ok)
	require.Equal(t, contract.VariantInvalidHTML, v.Err.Variant)

	c = newTestContext(t, img, nil)
	v, err = c.ValidateInput("<p>fine</p>")
	require.NoError(t, err)
	require.True(t, *v.Ok)
}

func TestContextIDsAreUnique(t *testing.T) {
	t.Parallel()

	img := loadFixture(t, "behaviors.js")
	f, err := NewFactory(img, governor.DefaultLimits(), startTicker(t), &seqIDs{}, nil)
	require.NoError(t, err)
	inst, err := f.NewInstance(context.Background())
	require.NoError(t, err)

	seen := make(map[string]struct{})
	for range 50 {
		c, err := inst.NewContext()
		require.NoError(t, err)
		require.Equal(t, inst.ID(), c.InstanceID())
		_, dup := seen[c.ID()]
		require.False(t, dup, "context id %s reused", c.ID())
		seen[c.ID()] = struct{}{}
		c.Discard()
	}
}

func TestContextIsSingleUse(t *testing.T) {
	t.Parallel()

	c := newTestContext(t, loadFixture(t, "behaviors.js"), nil)
	_, err := c.Extract(request("<p>ok</p>"))
	require.NoError(t, err)

	c.Discard()
	c.Discard()
	_, err = c.Extract(request("<p>ok</p>"))
	require.ErrorIs(t, err, ErrDiscarded)
}

func TestClosedInstanceRefusesContexts(t *testing.T) {
	t.Parallel()

	img := loadFixture(t, "behaviors.js")
	f, err := NewFactory(img, governor.DefaultLimits(), startTicker(t), &seqIDs{}, nil)
	require.NoError(t, err)
	inst, err := f.NewInstance(context.Background())
	require.NoError(t, err)
	require.NoError(t, inst.Close())
	_, err = inst.NewContext()
	require.ErrorIs(t, err, ErrInstanceClosed)
}

func TestEpochDeadlineInterruptsLoop(t *testing.T) {
	t.Parallel()

	c := newTestContext(t, loadFixture(t, "behaviors.js"), func(l *governor.Limits) {
		l.EpochDeadline = 50 * time.Millisecond
	})
	start := time.Now()
	_, err := c.Extract(request("<p>LOOP</p>"))
	require.ErrorIs(t, err, governor.ErrEpochDeadline)
	require.ErrorIs(t, err, governor.ErrResourceLimit)
	require.Equal(t, governor.ReasonEpoch, c.Tripped())
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestFuelExhaustionInterruptsGuest(t *testing.T) {
	t.Parallel()

	c := newTestContext(t, loadFixture(t, "behaviors.js"), func(l *governor.Limits) {
		l.Fuel = 50_000
	})
	_, err := c.Extract(request("<p>FUEL</p>"))
	require.ErrorIs(t, err, governor.ErrFuelExhausted)
	require.Equal(t, uint64(0), c.Usage().FuelRemaining)
}

func TestStackOverflowIsResourceLimit(t *testing.T) {
	t.Parallel()

	c := newTestContext(t, loadFixture(t, "behaviors.js"), func(l *governor.Limits) {
		l.MaxStackBytes = 64 * governor.StackFrameBytes
	})
	_, err := c.Extract(request("<p>DEEP</p>"))
	require.ErrorIs(t, err, governor.ErrStackOverflow)
}

func TestGuestExceptionIsTrap(t *testing.T) {
	t.Parallel()

	c := newTestContext(t, loadFixture(t, "behaviors.js"), nil)
	_, err := c.Extract(request("<p>THROW</p>"))
	require.ErrorIs(t, err, ErrGuestTrap)
	require.Contains(t, err.Error(), "guest exploded")
	require.Equal(t, governor.ReasonNone, c.Tripped())
}

func TestSchemaDriftIsRejected(t *testing.T) {
	t.Parallel()

	c := newTestContext(t, loadFixture(t, "behaviors.js"), nil)
	_, err := c.Extract(request("<p>DRIFT</p>"))
	require.ErrorIs(t, err, contract.ErrSchemaMismatch)
}

func TestMemoryGrowDenialDoesNotAbort(t *testing.T) {
	t.Parallel()

	c := newTestContext(t, loadFixture(t, "behaviors.js"), func(l *governor.Limits) {
		l.MemoryPages = 4096
	})
	res, err := c.Extract(request("<p>GROW</p>"))
	require.NoError(t, err)
	require.NotNil(t, res.Ok)
	require.Equal(t, 3, *res.Ok.WordCount, "three 1024-page grants fit under the ceiling")

	usage := c.Usage()
	require.Equal(t, uint64(1), usage.GrowFailures)
	require.LessOrEqual(t, usage.PeakPages, uint32(4096))
	require.Equal(t, governor.ReasonNone, usage.Reason)
}

func TestBoundaryCopyRespectsPageCeiling(t *testing.T) {
	t.Parallel()

	c := newTestContext(t, loadFixture(t, "behaviors.js"), func(l *governor.Limits) {
		l.MemoryPages = 4
	})
	big := "<p>" + strings.Repeat("x", 5*governor.PageSize) + "</p>"
	_, err := c.Extract(request(big))
	require.ErrorIs(t, err, governor.ErrMemoryLimit)
	require.Equal(t, governor.ReasonMemory, c.Tripped())
	require.True(t, errors.Is(err, governor.ErrResourceLimit))
}

func TestHostCallsAreMetered(t *testing.T) {
	t.Parallel()

	c := newTestContext(t, loadFixture(t, "behaviors.js"), nil)
	before := c.Usage().FuelUsed
	_, err := c.Extract(request("<p>plain</p>"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, c.Usage().FuelUsed-before, uint64(HostCallFuel))
	require.Positive(t, c.Elapsed())
}
