package safety

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"  Hello,   WORLD!! ", "hello world"},
		{"I'm   going to KILL-myself", "im going to kill myself"},
		{"Café résumé", "cafe resume"},
		{"ｆｕｌｌ width", "full width"},
		{"don’t\tstop\nnow", "dont stop now"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestDetector_Detect(t *testing.T) {
	d := NewDetector(DefaultCatalog())

	tests := []struct {
		name     string
		text     string
		wantOK   bool
		wantSev  Severity
		wantTerm string
	}{
		{"crisis phrase", "I want to kill myself", true, SeverityCrisis, "kill myself"},
		{"crisis beats medium", "you idiot, I want to die", true, SeverityCrisis, "want to die"},
		{"high threat", "I will hurt you", true, SeverityHigh, "i will hurt you"},
		{"medium", "I hate you", true, SeverityMedium, "i hate you"},
		{"low", "damn it", true, SeverityLow, "damn"},
		{"punctuation stripped", "SHUT... UP!!!", true, SeverityMedium, "shut up"},
		{"single word is whole token", "grapes are stupidly good", false, "", ""},
		{"multi word needs boundaries", "skill myselfish", false, "", ""},
		{"clean", "see you at the park at 5", false, "", ""},
		{"empty", "   ", false, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ok := d.Detect(tt.text)
			require.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.wantSev, m.Severity)
			assert.Equal(t, tt.wantTerm, m.Term)
			assert.Equal(t, DefaultCatalog().Version(), m.CatalogVersion)
		})
	}
}

func TestDetector_DetectAtLeast(t *testing.T) {
	d := NewDetector(DefaultCatalog())

	_, ok := d.DetectAtLeast("I hate you", SeverityCrisis)
	assert.False(t, ok)

	m, ok := d.DetectAtLeast("thinking about suicide", SeverityCrisis)
	require.True(t, ok)
	assert.Equal(t, SeverityCrisis, m.Severity)
}

func TestParseCatalog(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		c, err := ParseCatalog([]byte(`
version: "v7"
tiers:
  crisis: ["End It All"]
  low: ["heck"]
`))
		require.NoError(t, err)
		assert.Equal(t, "v7", c.Version())
		assert.Equal(t, []string{"end it all"}, c.Terms(SeverityCrisis))

		m, ok := NewDetector(c).Detect("gonna end it all")
		require.True(t, ok)
		assert.Equal(t, "v7", m.CatalogVersion)
	})

	invalid := map[string]string{
		"missing version": "tiers:\n  low: [heck]\n",
		"unknown tier":    "version: v1\ntiers:\n  extreme: [x]\n",
		"empty term":      "version: v1\ntiers:\n  low: ['!!!']\n",
		"no terms":        "version: v1\ntiers: {}\n",
		"bad yaml":        "version: [",
	}
	for name, doc := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(doc))
			assert.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}
}

func TestLoadCatalog(t *testing.T) {
	c, err := LoadCatalog("")
	require.NoError(t, err)
	assert.Equal(t, DefaultCatalog().Version(), c.Version())

	path := filepath.Join(t.TempDir(), "keywords.yml")
	require.NoError(t, os.WriteFile(path, []byte("version: file-1\ntiers:\n  high: [menace]\n"), 0o600))
	c, err = LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, "file-1", c.Version())

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestCatalog_TermsIsCopy(t *testing.T) {
	c := DefaultCatalog()
	terms := c.Terms(SeverityLow)
	terms[0] = "mutated"
	assert.NotEqual(t, "mutated", c.Terms(SeverityLow)[0])
}

func TestEvaluateWindow(t *testing.T) {
	cfg := RateLimitConfig{MaxMessages: 10, WindowSeconds: 60}
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name         string
		state        WindowState
		now          time.Time
		wantStart    time.Time
		wantCount    int
		wantExceeded bool
	}{
		{"no window opens one", WindowState{}, base, base, 1, false},
		{"inside window increments", WindowState{WindowStart: &base, Count: 4}, base.Add(30 * time.Second), base, 5, false},
		{"at limit is allowed", WindowState{WindowStart: &base, Count: 9}, base.Add(59 * time.Second), base, 10, false},
		{"over limit", WindowState{WindowStart: &base, Count: 10}, base.Add(59 * time.Second), base, 11, true},
		{"boundary resets", WindowState{WindowStart: &base, Count: 10}, base.Add(60 * time.Second), base.Add(60 * time.Second), 1, false},
		{"long gap resets", WindowState{WindowStart: &base, Count: 50}, base.Add(time.Hour), base.Add(time.Hour), 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, exceeded := EvaluateWindow(tt.state, tt.now, cfg)
			require.NotNil(t, next.WindowStart)
			assert.True(t, tt.wantStart.Equal(*next.WindowStart))
			assert.Equal(t, tt.wantCount, next.Count)
			assert.Equal(t, tt.wantExceeded, exceeded)
		})
	}
}

func TestEvaluateWindow_DoesNotMutateInput(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	state := WindowState{WindowStart: &base, Count: 3}
	_, _ = EvaluateWindow(state, base.Add(time.Second), RateLimitConfig{MaxMessages: 10, WindowSeconds: 60})
	assert.Equal(t, 3, state.Count)
}

func TestEvaluateWindow_ElevenMessages(t *testing.T) {
	cfg := RateLimitConfig{MaxMessages: 10, WindowSeconds: 60}
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	var state WindowState
	var exceeded bool
	for i := 1; i <= 11; i++ {
		state, exceeded = EvaluateWindow(state, now.Add(time.Duration(i)*time.Second), cfg)
		if i <= 10 {
			assert.False(t, exceeded, "message %d", i)
		}
	}
	assert.True(t, exceeded)
}

func TestRateLimitConfig_Validate(t *testing.T) {
	assert.NoError(t, RateLimitConfig{MaxMessages: 1, WindowSeconds: 1}.Validate())
	assert.ErrorIs(t, RateLimitConfig{MaxMessages: 0, WindowSeconds: 60}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, RateLimitConfig{MaxMessages: 10, WindowSeconds: -1}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, ValidateThreshold(0), ErrInvalidConfig)
}

func TestStrikeIncrement(t *testing.T) {
	assert.Equal(t, map[Severity]int{
		SeverityLow: 0, SeverityMedium: 1, SeverityHigh: 2, SeverityCrisis: 0,
	}, map[Severity]int{
		SeverityLow:    StrikeIncrement(SeverityLow),
		SeverityMedium: StrikeIncrement(SeverityMedium),
		SeverityHigh:   StrikeIncrement(SeverityHigh),
		SeverityCrisis: StrikeIncrement(SeverityCrisis),
	})
}

func TestEscalate(t *testing.T) {
	tests := []struct {
		name      string
		current   StrikeState
		sev       Severity
		want      StrikeState
		escalated bool
	}{
		{"medium from zero", StrikeState{}, SeverityMedium, StrikeState{Count: 1}, false},
		{"high reaches threshold", StrikeState{Count: 1}, SeverityHigh, StrikeState{Count: 3, Hold: true}, true},
		{"low adds nothing", StrikeState{Count: 2}, SeverityLow, StrikeState{Count: 2}, false},
		{"crisis forces hold", StrikeState{}, SeverityCrisis, StrikeState{Count: 0, Hold: true}, true},
		{"already held stays held", StrikeState{Count: 5, Hold: true}, SeverityMedium, StrikeState{Count: 6, Hold: true}, false},
		{"crisis on held user", StrikeState{Hold: true}, SeverityCrisis, StrikeState{Hold: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Escalate(tt.current, tt.sev, 3)
			assert.Equal(t, tt.want, out.Next)
			assert.Equal(t, tt.escalated, out.Escalated)
			assert.Equal(t, StrikeIncrement(tt.sev), out.Increment)
		})
	}
}

func TestResponses(t *testing.T) {
	assert.Equal(t, LocaleUS, LocaleForPhone("+15551234567"))
	assert.Equal(t, LocaleUK, LocaleForPhone("+447700900123"))
	assert.Equal(t, LocaleAU, LocaleForPhone("+61412345678"))
	assert.Equal(t, LocaleUS, LocaleForPhone(""))

	assert.Contains(t, CrisisResponse(LocaleUS), "988")
	assert.Contains(t, CrisisResponse(LocaleUK), "116 123")
	assert.Contains(t, CrisisResponse(LocaleAU), "13 11 14")
	assert.Contains(t, CrisisResponse(Locale("fr")), "988")

	for _, sev := range []Severity{SeverityLow, SeverityMedium, SeverityHigh} {
		assert.NotEmpty(t, SeverityResponse(sev))
	}
}
