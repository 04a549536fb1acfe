package dispatch

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sahan-penakalapati/hedwig/pkg/agent"
	"github.com/sahan-penakalapati/hedwig/pkg/llm"
	"github.com/sahan-penakalapati/hedwig/pkg/session"
)

func builtinRouter(opts ...RouterOption) *Router {
	return NewRouter(agent.Builtins(llm.OfflineClient{}, nil), opts...)
}

func TestRoute_BuiltinSpecialists(t *testing.T) {
	r := builtinRouter()
	cases := []struct {
		prompt string
		want   string
	}{
		{"Write a Python script to parse CSV and output JSON", agent.SWE},
		{"debug this function, it has a bug", agent.SWE},
		{"Research the latest developments in AI and create a summary report", agent.Research},
		{"investigate and analyze competitor pricing", agent.Research},
		{"list the artifacts in this thread", agent.General},
		{"hello there", agent.General},
		{"", agent.General},
	}
	for _, tc := range cases {
		t.Run(tc.prompt, func(t *testing.T) {
			sp, d := r.Route(tc.prompt, nil)
			assert.Equal(t, tc.want, sp.Capabilities().Name)
			assert.Equal(t, tc.want, d.Specialist)
		})
	}
}

func TestRoute_ZeroScoreIsFallback(t *testing.T) {
	_, d := builtinRouter().Route("good morning", nil)
	assert.True(t, d.Fallback)
	assert.Equal(t, 0, d.Score)
	assert.Equal(t, agent.General, d.Specialist)
}

func TestRoute_TiesGoToDeclarationOrder(t *testing.T) {
	a := &funcSpecialist{caps: agent.Capabilities{Name: "a", Tags: []string{"x"}}}
	b := &funcSpecialist{caps: agent.Capabilities{Name: "b", Tags: []string{"x"}}}
	tagger := TaggerFunc(func(string) []string { return []string{"x"} })

	sp, _ := NewRouter([]agent.Specialist{a, b}, WithTagger(tagger), WithFallback("b")).Route("anything", nil)
	assert.Equal(t, "a", sp.Capabilities().Name)
	sp, _ = NewRouter([]agent.Specialist{b, a}, WithTagger(tagger), WithFallback("b")).Route("anything", nil)
	assert.Equal(t, "b", sp.Capabilities().Name)
}

func TestRoute_Exclusions(t *testing.T) {
	r := builtinRouter()
	_, d := r.Route("write a script", nil, agent.SWE)
	assert.Equal(t, agent.General, d.Specialist)
	assert.Equal(t, 2, d.Attempt)

	_, d = r.Route("write a script", nil, agent.SWE, agent.General)
	assert.Equal(t, agent.Research, d.Specialist, "fallback excluded, first remaining wins")

	// Routing stays total when everything is excluded.
	sp, d := r.Route("write a script", nil, agent.SWE, agent.General, agent.Research)
	require.NotNil(t, sp)
	assert.Equal(t, agent.General, d.Specialist)
}

func TestRoute_UsesHistoryWhenPromptHasNoIntent(t *testing.T) {
	hist := []session.Message{
		{Role: session.RoleUser, Content: "write a python script for the csv"},
		{Role: session.RoleAssistant, Content: "Here it is"},
	}
	_, d := builtinRouter().Route("now make it faster", hist)
	assert.Equal(t, agent.SWE, d.Specialist)
}

func TestNormalizeFoldsWidthAndCase(t *testing.T) {
	assert.Equal(t, []string{"debug", "the", "code"}, Normalize("ＤＥＢＵＧ the CODE!"))
	assert.Equal(t, []string{"open", "the", "file"}, Normalize("open the ﬁle"))
	assert.Contains(t, DefaultKeywords().Tags("Please ＲＥＦＡＣＴＯＲ"), "refactoring")
}

func TestRoutingHistoryIsBounded(t *testing.T) {
	r := builtinRouter(WithRoutingHistory(5))
	for i := 0; i < 12; i++ {
		r.Route(fmt.Sprintf("code task %d", i), nil)
	}
	hist := r.History()
	require.Len(t, hist, 5)
	assert.Equal(t, "code task 7", hist[0].Prompt)

	r.ClearHistory()
	assert.Empty(t, r.History())
}

func TestRoutingStats(t *testing.T) {
	r := builtinRouter()
	st := r.Stats()
	assert.Zero(t, st.Total)
	assert.Equal(t, []string{agent.SWE, agent.Research, agent.General}, st.Available)

	r.Route("write code", nil)
	r.Route("write code", nil, agent.SWE)
	r.Route("research this", nil)
	r.Route("hello", nil)

	st = r.Stats()
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, map[string]int{agent.SWE: 1, agent.General: 2, agent.Research: 1}, st.BySpecialist)
	assert.InDelta(t, 0.25, st.RetryRate, 1e-9)
	assert.InDelta(t, 1.25, st.AverageAttempt, 1e-9)
	assert.Equal(t, 2, st.Fallbacks)
	assert.Equal(t, agent.General, st.TopSpecialists()[0])
}

func TestRoutePromptIsClipped(t *testing.T) {
	long := make([]rune, 300)
	for i := range long {
		long[i] = 'é'
	}
	_, d := builtinRouter().Route(string(long), nil)
	assert.Len(t, []rune(d.Prompt), promptClip)
}
