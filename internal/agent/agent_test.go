// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/redloop/internal/dispatch"
	"github.com/jeranaias/redloop/internal/llm"
	"github.com/jeranaias/redloop/internal/plan"
	"github.com/jeranaias/redloop/internal/planner"
)

// =============================================================================
// FAKES
// =============================================================================

func promptKind(prompt string) string {
	switch {
	case strings.Contains(prompt, "extract its target and scope"):
		return "parse"
	case strings.Contains(prompt, "## Actions you may assign"):
		return "plan"
	case strings.Contains(prompt, "turning one planned task"):
		return "detail"
	case strings.Contains(prompt, "into the shell commands"):
		return "code"
	case strings.Contains(prompt, "into web search queries"):
		return "search"
	case strings.Contains(prompt, "Decide whether the task below succeeded"):
		return "check"
	case strings.Contains(prompt, "Revise the plan"):
		return "update"
	default:
		return "other"
	}
}

type scriptedSender struct {
	replies map[string][]string
	prompts map[string][]string
}

func newScriptedSender(replies map[string][]string) *scriptedSender {
	return &scriptedSender{replies: replies, prompts: make(map[string][]string)}
}

func (s *scriptedSender) Send(_ context.Context, prompt, conv string, _ ...llm.SendOption) (string, string) {
	kind := promptKind(prompt)
	s.prompts[kind] = append(s.prompts[kind], prompt)
	if conv == "" {
		conv = llm.NewConversationID()
	}
	queue := s.replies[kind]
	if len(queue) == 0 {
		return "", conv
	}
	reply := queue[0]
	if len(queue) > 1 {
		s.replies[kind] = queue[1:]
	}
	return reply, conv
}

type fakeShell struct {
	commands []string
}

func (f *fakeShell) Execute(_ context.Context, cmd string) (string, error) {
	f.commands = append(f.commands, cmd)
	return "21/tcp open ftp vsftpd 2.3.4\nroot@kali:~# ", nil
}

func (f *fakeShell) Interrupt() error { return nil }

type fakeSearcher struct {
	queries []string
}

func (f *fakeSearcher) Search(_ context.Context, q string, _ int) (string, error) {
	f.queries = append(f.queries, q)
	return "CVE-2011-2523 backdoor", nil
}

type memStore struct {
	saves int
	last  *plan.Plan
}

func (m *memStore) SavePlan(_ context.Context, p *plan.Plan) error {
	m.saves++
	m.last = p
	return nil
}

const twoTaskPlan = `<json>
[
  {"id": "1", "dependent_task_ids": [], "instruction": "Scan 10.0.0.5 with nmap", "action": "Shell"},
  {"id": "2", "dependent_task_ids": ["1"], "instruction": "Research vsftpd 2.3.4 exploits", "action": "Search"}
]
</json>`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// =============================================================================
// REQUEST PARSING
// =============================================================================

func TestParseRequest_JSON(t *testing.T) {
	s := newScriptedSender(map[string][]string{
		"parse": {"Sure:\n```json\n" + `{"target": {"ip": "10.0.0.5", "ports": [21, 80]},
		"attacks": {"forbidden_attacks": ["denial of service"]},
		"cleaned_description": "Assess the FTP and web services."}` + "\n```"},
	})

	req := ParseRequest(context.Background(), s, "pentest 10.0.0.5, no DoS")
	assert.Equal(t, "10.0.0.5", req.Target.Primary())
	assert.Equal(t, "pentest 10.0.0.5, no DoS", req.Original)
	assert.Equal(t,
		"Target: 10.0.0.5. Assess the FTP and web services. Focus on ports: 21, 80. FORBIDDEN: denial of service.",
		req.Description())
}

func TestParseRequest_FallsBackOnBadReply(t *testing.T) {
	for _, reply := range []string{"no json here", "**ERROR**: rate_limit_exceeded", "{not json}"} {
		s := newScriptedSender(map[string][]string{"parse": {reply}})
		req := ParseRequest(context.Background(), s, "Attack 192.168.56.101 and send loot to 127.0.0.1")
		assert.Equal(t, "192.168.56.101", req.Target.IP, reply)
		assert.Equal(t, "Perform penetration testing on target 192.168.56.101", req.Cleaned)
	}
}

func TestFallbackParse(t *testing.T) {
	req := FallbackParse("Target: metasploitable.lab port 21 and port 80\n\nNot allowed: port 22, brute force.\n\n")
	assert.Equal(t, "metasploitable.lab", req.Target.Host)
	assert.Empty(t, req.Target.IP)
	assert.Equal(t, []int{21, 80}, req.Target.Ports)
	assert.Contains(t, req.Scope.Forbidden, "brute force")
	assert.Equal(t, "Target: metasploitable.lab. Perform penetration testing on target metasploitable.lab Focus on ports: 21, 80. FORBIDDEN: "+
		strings.Join(req.Scope.Forbidden, ", ")+".", req.Description())
}

func TestFallbackParse_NoTarget(t *testing.T) {
	req := FallbackParse("find something interesting on localhost 127.0.0.1")
	assert.Equal(t, "target", req.Target.Primary())
	assert.Equal(t, "Perform penetration testing on target target", req.Description())
}

// =============================================================================
// RUNNER
// =============================================================================

func newTestRunner(s *scriptedSender, sh *fakeShell, se *fakeSearcher, st PlanStore, cfg Config) *Runner {
	d := dispatch.New(dispatch.ModeAuto, sh, se).WithLogger(quietLogger())
	return NewRunner(s, d, nil, st, cfg).WithLogger(quietLogger())
}

func TestRun_CompletesPlan(t *testing.T) {
	s := newScriptedSender(map[string][]string{
		"parse":  {`{"target": {"ip": "10.0.0.5"}, "cleaned_description": "Get a shell."}`},
		"plan":   {twoTaskPlan},
		"detail": {"Run a full nmap scan of 10.0.0.5"},
		"code":   {"<execute>nmap -sV 10.0.0.5</execute>"},
		"search": {"<search>vsftpd 2.3.4 backdoor</search>"},
		"check":  {"yes"},
	})
	sh := &fakeShell{}
	se := &fakeSearcher{}
	st := &memStore{}

	var rounds []int
	r := newTestRunner(s, sh, se, st, Config{})
	r.OnRound = func(round int, _ *plan.Task, _ *plan.Plan) { rounds = append(rounds, round) }

	out, err := r.Run(context.Background(), "Get a shell on 10.0.0.5")
	require.NoError(t, err)

	assert.True(t, out.Complete)
	assert.Equal(t, 2, out.Rounds)
	assert.Equal(t, 2, out.Done)
	assert.Equal(t, "10.0.0.5", out.Target)
	assert.Equal(t, []int{1, 2}, rounds)

	assert.Equal(t, []string{"nmap -sV 10.0.0.5"}, sh.commands)
	assert.Equal(t, []string{"vsftpd 2.3.4 backdoor"}, se.queries)

	require.NotNil(t, st.last)
	assert.Equal(t, out.PlanID, st.last.ID)
	assert.Equal(t, 3, st.saves)
	assert.Equal(t, []string{"nmap -sV 10.0.0.5"}, st.last.Tasks[0].Code)
	assert.Contains(t, st.last.Tasks[0].Result, "vsftpd 2.3.4")

	require.Len(t, s.prompts["code"], 1)
	assert.Contains(t, s.prompts["code"][0], "Run a full nmap scan of 10.0.0.5")
}

func TestRun_TargetOverride(t *testing.T) {
	s := newScriptedSender(map[string][]string{
		"parse": {`{"target": {"ip": "10.0.0.5"}, "cleaned_description": "x"}`},
		"plan":  {twoTaskPlan},
		"check": {"no"},
	})
	r := newTestRunner(s, &fakeShell{}, &fakeSearcher{}, nil, Config{TargetHost: "10.9.9.9", MaxRounds: 1})

	out, err := r.Run(context.Background(), "goal")
	require.NoError(t, err)
	assert.Equal(t, "10.9.9.9", out.Target)
	assert.Equal(t, 1, out.Rounds)
	assert.False(t, out.Complete)
	assert.Contains(t, s.prompts["plan"][0], "10.9.9.9")
}

func TestRun_PlanningRetriedOnce(t *testing.T) {
	s := newScriptedSender(map[string][]string{
		"plan": {"I cannot produce a plan."},
	})
	r := newTestRunner(s, &fakeShell{}, &fakeSearcher{}, nil, Config{})

	_, err := r.Run(context.Background(), "goal 10.0.0.5")
	require.Error(t, err)
	assert.True(t, errors.Is(err, planner.ErrPlanningFailed))
	assert.Len(t, s.prompts["plan"], 2)
}

func TestRun_PlanningSucceedsOnRetry(t *testing.T) {
	s := newScriptedSender(map[string][]string{
		"plan":  {"not a plan", twoTaskPlan},
		"check": {"yes"},
	})
	r := newTestRunner(s, &fakeShell{}, &fakeSearcher{}, nil, Config{})

	out, err := r.Run(context.Background(), "goal 10.0.0.5")
	require.NoError(t, err)
	assert.True(t, out.Complete)
}

func TestRun_Cancelled(t *testing.T) {
	s := newScriptedSender(map[string][]string{"plan": {twoTaskPlan}})
	r := newTestRunner(s, &fakeShell{}, &fakeSearcher{}, nil, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	r.OnRound = func(int, *plan.Task, *plan.Plan) { cancel() }

	out, err := r.Run(ctx, "goal")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, out.Rounds)
}

// scriptedBackend answers by prompt kind so a real llm.Service can drive a run.
type scriptedBackend struct {
	replies map[string]string
	prompts []string
}

func (b *scriptedBackend) Name() string  { return "scripted" }
func (b *scriptedBackend) Model() string { return "test" }

func (b *scriptedBackend) Chat(_ context.Context, messages []llm.Message) (string, error) {
	prompt := messages[len(messages)-1].Content
	b.prompts = append(b.prompts, prompt)
	return b.replies[promptKind(prompt)], nil
}

type passageRetriever struct{ passage string }

func (r passageRetriever) Retrieve(context.Context, string, int) ([]string, error) {
	return []string{r.passage}, nil
}

func TestRun_KnowledgeBaseUsesParsedTarget(t *testing.T) {
	backend := &scriptedBackend{replies: map[string]string{
		"parse": `{"target": {"ip": "10.0.0.5"}, "cleaned_description": "Get a shell."}`,
		"plan":  twoTaskPlan,
		"check": "yes",
	}}
	svc := llm.NewService(backend, llm.ServiceConfig{}, nil).
		WithRetriever(passageRetriever{passage: "exploit 192.168.56.101 via ftp"}).
		WithLogger(quietLogger())

	d := dispatch.New(dispatch.ModeAuto, &fakeShell{}, &fakeSearcher{}).WithLogger(quietLogger())
	r := NewRunner(svc, d, nil, nil, Config{MaxRounds: 1}).WithLogger(quietLogger())

	out, err := r.Run(context.Background(), "get root on 10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", out.Target)

	var planPrompt string
	for _, p := range backend.prompts {
		assert.NotContains(t, p, "192.168.56.101")
		if promptKind(p) == "plan" {
			planPrompt = p
		}
	}
	assert.Contains(t, planPrompt, "exploit 10.0.0.5 via ftp")
}
