package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"punchd/internal/classifier"
	"punchd/internal/commit"
	"punchd/internal/config"
	"punchd/internal/db"
	"punchd/internal/domain"
	"punchd/internal/engine"
	"punchd/internal/migrate"
	"punchd/internal/punchcard"
	"punchd/internal/repo"
	"punchd/internal/verify"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	seq    int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, dialect, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng, err := engine.New(conn, dialect, config.Default(), nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	eng = eng.WithClock(func() time.Time { return t0.Add(time.Hour) })
	return &testEnv{Engine: eng, Ctx: context.Background()}
}

func (env *testEnv) send(t *testing.T, task, eventType, payload string) engine.IngestResult {
	t.Helper()
	env.seq++
	res, err := env.Engine.Ingest(env.Ctx, classifier.Event{
		TaskID:    task,
		EventType: eventType,
		Payload:   json.RawMessage(payload),
		EmittedAt: t0.Add(time.Duration(env.seq) * time.Second),
	})
	if err != nil {
		t.Fatalf("ingest %s %s: %v", task, eventType, err)
	}
	return res
}

func (env *testEnv) card(t *testing.T, id string, reqs ...domain.Requirement) {
	t.Helper()
	if err := env.Engine.ReplaceCard(env.Ctx, id, reqs, "tester"); err != nil {
		t.Fatalf("replace card %s: %v", id, err)
	}
}

func need(pt domain.PunchType, key string) domain.Requirement {
	return domain.Requirement{PunchType: pt, PunchKeyPattern: key, Required: true}
}

func forbid(pt domain.PunchType, key string) domain.Requirement {
	return domain.Requirement{PunchType: pt, PunchKeyPattern: key, Required: false}
}

func TestIngestIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	evt := classifier.Event{TaskID: "t1", EventType: classifier.EventAPIRequest, Payload: json.RawMessage(`{"cost":0.5,"tokens_in":10}`), EmittedAt: t0}
	first, err := env.Engine.Ingest(env.Ctx, evt)
	if err != nil || !first.Inserted {
		t.Fatalf("first ingest: %+v %v", first, err)
	}
	second, err := env.Engine.Ingest(env.Ctx, evt)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if second.Inserted {
		t.Fatalf("duplicate event inserted a punch")
	}
	task, err := env.Engine.Repo.GetTask(env.Ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Cost != 0.5 || task.TokensIn != 10 {
		t.Fatalf("cost counted twice: %+v", task)
	}
}

func TestIngestRejectsMalformed(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Ingest(env.Ctx, classifier.Event{TaskID: "t1", EventType: classifier.EventGateRun, Payload: json.RawMessage(`{}`), EmittedAt: t0})
	if !errors.Is(err, classifier.ErrMalformed) {
		t.Fatalf("expected malformed, got %v", err)
	}
	if _, err := env.Engine.Repo.GetTask(env.Ctx, "t1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("malformed event created a task: %v", err)
	}
}

func TestIngestChildSpawnLinksTasks(t *testing.T) {
	env := newTestEnv(t)
	env.send(t, "root", classifier.EventTool, `{"tool":"newTask","mode":"code","child_task_id":"kid"}`)
	view, err := env.Engine.Task(env.Ctx, "root")
	if err != nil {
		t.Fatal(err)
	}
	if len(view.Children) != 1 || view.Children[0].ChildTaskID != "kid" {
		t.Fatalf("children = %+v", view.Children)
	}
	kid, err := env.Engine.Repo.GetTask(env.Ctx, "kid")
	if err != nil {
		t.Fatal(err)
	}
	if kid.ParentID == nil || *kid.ParentID != "root" || kid.Mode != "code" {
		t.Fatalf("child row = %+v", kid)
	}
}

func TestIngestFinishIsMonotonic(t *testing.T) {
	env := newTestEnv(t)
	env.send(t, "t1", classifier.EventTaskStarted, `{"mode":"code"}`)
	res := env.send(t, "t1", classifier.EventTaskFinished, `{"status":"failed","cost":2}`)
	if !res.Transitioned {
		t.Fatalf("expected transition")
	}
	res = env.send(t, "t1", classifier.EventTaskFinished, `{"status":"completed"}`)
	if res.Transitioned {
		t.Fatalf("terminal task moved again")
	}
	task, _ := env.Engine.Repo.GetTask(env.Ctx, "t1")
	if task.Status != domain.TaskFailed || task.Cost != 2 {
		t.Fatalf("task = %+v", task)
	}
}

func TestValidateEmptyCardFails(t *testing.T) {
	env := newTestEnv(t)
	env.send(t, "t1", classifier.EventStep, `{"name":"plan"}`)
	res, err := env.Engine.Validate(env.Ctx, "t1", "nothing")
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid() || len(res.Missing) != 1 || res.Missing[0].Marker != domain.MarkerNoRequirements {
		t.Fatalf("empty card result = %+v", res)
	}
}

func TestCheckpointPassCommitsAndCompletes(t *testing.T) {
	env := newTestEnv(t)
	env.card(t, "py", need(domain.PunchGatePass, "pytest"), forbid(domain.PunchChildSpawn, "%"))
	env.send(t, "t1", classifier.EventGateRun, `{"gate_id":"pytest","exit_code":0}`)

	cp, err := env.Engine.Checkpoint(env.Ctx, "t1", "py")
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if cp.Status != domain.CheckpointPass || cp.CommitHash == nil {
		t.Fatalf("checkpoint = %+v", cp)
	}
	task, _ := env.Engine.Repo.GetTask(env.Ctx, "t1")
	if task.Status != domain.TaskCompleted {
		t.Fatalf("task status = %s", task.Status)
	}
	again, err := env.Engine.Checkpoint(env.Ctx, "t1", "py")
	if err != nil || again.ID != cp.ID {
		t.Fatalf("repeat checkpoint = %+v %v", again, err)
	}
	commits, err := env.Engine.Repo.ListCommits(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(commits) != 1 {
		t.Fatalf("commits = %d", len(commits))
	}
	if err := commit.VerifyChain(commits); err != nil {
		t.Fatalf("chain: %v", err)
	}
}

func TestCheckpointFailNeverCommits(t *testing.T) {
	env := newTestEnv(t)
	env.card(t, "py", need(domain.PunchGatePass, "pytest"))
	env.send(t, "t1", classifier.EventGateRun, `{"gate_id":"pytest","exit_code":1}`)

	cp, err := env.Engine.Checkpoint(env.Ctx, "t1", "py")
	if err != nil {
		t.Fatal(err)
	}
	if cp.Status != domain.CheckpointFail || cp.CommitHash != nil {
		t.Fatalf("checkpoint = %+v", cp)
	}
	if len(cp.Missing) != 1 || cp.Missing[0].Ref != "gate_pass:pytest" {
		t.Fatalf("missing = %+v", cp.Missing)
	}
	commits, _ := env.Engine.Repo.ListCommits(env.Ctx)
	if len(commits) != 0 {
		t.Fatalf("failing checkpoint advanced the log")
	}
	task, _ := env.Engine.Repo.GetTask(env.Ctx, "t1")
	if task.Status != domain.TaskRunning {
		t.Fatalf("task status = %s", task.Status)
	}
}

func TestParentGateWaitsForChildren(t *testing.T) {
	env := newTestEnv(t)
	env.card(t, "done", need(domain.PunchStepComplete, "task_exit"))
	env.send(t, "root", classifier.EventTool, `{"tool":"newTask","mode":"code","child_task_id":"kid"}`)
	env.send(t, "root", classifier.EventCompletion, ``)

	cp, err := env.Engine.Checkpoint(env.Ctx, "root", "done")
	if err != nil {
		t.Fatal(err)
	}
	if cp.Status != domain.CheckpointFail || len(cp.Missing) != 1 || cp.Missing[0].Ref != "child:kid" {
		t.Fatalf("parent checkpoint before child = %+v", cp)
	}

	env.send(t, "kid", classifier.EventCompletion, ``)
	kidCP, err := env.Engine.Checkpoint(env.Ctx, "kid", "done")
	if err != nil || kidCP.Status != domain.CheckpointPass {
		t.Fatalf("child checkpoint = %+v %v", kidCP, err)
	}
	view, _ := env.Engine.Task(env.Ctx, "root")
	edge := view.Children[0]
	if edge.ChildCardValid == nil || !*edge.ChildCardValid || edge.ChildCheckpointHash == nil || *edge.ChildCheckpointHash != *kidCP.CommitHash {
		t.Fatalf("edge = %+v", edge)
	}

	cp, err = env.Engine.Checkpoint(env.Ctx, "root", "done")
	if err != nil || cp.Status != domain.CheckpointPass {
		t.Fatalf("parent checkpoint after child = %+v %v", cp, err)
	}
}

func TestCheckpointRefusesAbandonedTask(t *testing.T) {
	env := newTestEnv(t)
	env.card(t, "done", need(domain.PunchStepComplete, "task_exit"))
	env.send(t, "t1", classifier.EventCompletion, ``)
	if _, err := env.Engine.Kill(env.Ctx, "t1", "manual"); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.Checkpoint(env.Ctx, "t1", "done")
	if !errors.Is(err, engine.ErrTaskTerminal) {
		t.Fatalf("expected terminal error, got %v", err)
	}
}

type flakyCommitter struct {
	inner commit.Committer
	fail  bool
}

func (f *flakyCommitter) Commit(ctx context.Context, req commit.Request) (string, error) {
	if f.fail {
		return "", errors.New("commit backend down")
	}
	return f.inner.Commit(ctx, req)
}

func TestResumePendingFinalizes(t *testing.T) {
	env := newTestEnv(t)
	flaky := &flakyCommitter{inner: env.Engine.Committer, fail: true}
	env.Engine.Committer = flaky
	env.card(t, "done", need(domain.PunchStepComplete, "task_exit"))
	env.send(t, "t1", classifier.EventCompletion, ``)

	if _, err := env.Engine.Checkpoint(env.Ctx, "t1", "done"); err == nil {
		t.Fatalf("expected commit failure")
	}
	pending, _ := env.Engine.Repo.ListPendingCheckpoints(env.Ctx)
	if len(pending) != 1 {
		t.Fatalf("pending = %d", len(pending))
	}

	flaky.fail = false
	done, err := env.Engine.ResumePending(env.Ctx)
	if err != nil || len(done) != 1 || done[0].Status != domain.CheckpointPass {
		t.Fatalf("resume = %+v %v", done, err)
	}
	pending, _ = env.Engine.Repo.ListPendingCheckpoints(env.Ctx)
	if len(pending) != 0 {
		t.Fatalf("still pending after resume")
	}
}

func TestVerifyTreeCollectsFailures(t *testing.T) {
	env := newTestEnv(t)
	env.card(t, "done", need(domain.PunchStepComplete, "task_exit"))
	env.send(t, "root", classifier.EventTool, `{"tool":"newTask","mode":"code","child_task_id":"a"}`)
	env.send(t, "root", classifier.EventTool, `{"tool":"newTask","mode":"code","child_task_id":"b"}`)
	env.send(t, "root", classifier.EventCompletion, ``)
	env.send(t, "a", classifier.EventCompletion, ``)

	rep, err := env.Engine.VerifyTree(env.Ctx, verify.Request{RootTaskID: "root", CardID: "done"})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Status != verify.StatusFail || rep.Checked != 3 || len(rep.Failures) != 1 || rep.Failures[0].TaskID != "b" {
		t.Fatalf("report = %+v", rep)
	}
}

func TestCostRollupSumsSubtree(t *testing.T) {
	env := newTestEnv(t)
	env.send(t, "root", classifier.EventAPIRequest, `{"cost":1}`)
	env.send(t, "root", classifier.EventTool, `{"tool":"newTask","mode":"code","child_task_id":"kid"}`)
	env.send(t, "kid", classifier.EventAPIRequest, `{"cost":0.25}`)

	roll, err := env.Engine.CostRollup(env.Ctx, "root")
	if err != nil {
		t.Fatal(err)
	}
	if roll.Total != 1.25 || roll.TaskCount != 2 {
		t.Fatalf("rollup = %+v", roll)
	}
}

func TestKillStoresRemediation(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 6; i++ {
		env.send(t, "t1", classifier.EventTool, `{"tool":"read_file"}`)
	}
	res, err := env.Engine.Kill(env.Ctx, "t1", "manual")
	if err != nil {
		t.Fatal(err)
	}
	// the kill lands an hour after the last read
	if res.Diagnosis == nil || res.Diagnosis.Category != domain.StuckOnApproval {
		t.Fatalf("diagnosis = %+v", res.Diagnosis)
	}
	specs, err := env.Engine.Repo.ListRemediations(env.Ctx, "t1")
	if err != nil || len(specs) != 1 || specs[0].ID != res.Remediation.ID {
		t.Fatalf("remediations = %+v %v", specs, err)
	}
	again, err := env.Engine.Remediate(env.Ctx, "t1")
	if err != nil || again.ID != res.Remediation.ID {
		t.Fatalf("remediate again = %+v %v", again, err)
	}
}

func TestImportCards(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(t.TempDir(), "cards.toml")
	seed := `
[[card]]
id = "py"
  [[card.require]]
  type = "gate_pass"
  key = "pytest"

[[card]]
id = "leaf"
  [[card.forbid]]
  type = "child_spawn"
  key = "%"
`
	if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
		t.Fatal(err)
	}
	ids, err := env.Engine.ImportCards(env.Ctx, path, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "leaf" || ids[1] != "py" {
		t.Fatalf("ids = %v", ids)
	}
	reqs, _ := env.Engine.Repo.ListRequirements(env.Ctx, "leaf")
	if len(reqs) != 1 || reqs[0].Required {
		t.Fatalf("leaf rules = %+v", reqs)
	}
}

func TestIngestReplayProperty(t *testing.T) {
	env := newTestEnv(t)
	runs := 0
	properties := gopter.NewProperties(nil)
	properties.Property("replaying a batch leaves the punch count unchanged", prop.ForAll(
		func(tools []string) bool {
			runs++
			task := fmt.Sprintf("prop-%d", runs)
			var batch []classifier.Event
			for i, tool := range tools {
				batch = append(batch, classifier.Event{
					TaskID:    task,
					EventType: classifier.EventTool,
					Payload:   json.RawMessage(`{"tool":"` + tool + `"}`),
					EmittedAt: t0.Add(time.Duration(i) * time.Millisecond),
				})
			}
			for round := 0; round < 2; round++ {
				for _, evt := range batch {
					if _, err := env.Engine.Ingest(env.Ctx, evt); err != nil {
						return false
					}
				}
			}
			n, err := env.Engine.Repo.CountPunches(env.Ctx, task)
			return err == nil && n == len(batch)
		},
		gen.SliceOfN(5, gen.Identifier()),
	))
	properties.TestingRun(t)
}

func TestIndeterminateHelper(t *testing.T) {
	if !engine.IsIndeterminate(errors.Join(errors.New("x"), punchcard.ErrIndeterminate)) {
		t.Fatalf("joined indeterminate not detected")
	}
}

func TestDuplicateFinishKeepsFinalCost(t *testing.T) {
	env := newTestEnv(t)
	env.send(t, "t1", classifier.EventTaskStarted, `{"mode":"code"}`)
	env.send(t, "t1", classifier.EventTaskFinished, `{"status":"completed","cost":3}`)
	res := env.send(t, "t1", classifier.EventTaskFinished, `{"status":"completed","cost":9}`)
	if res.Transitioned {
		t.Fatalf("duplicate finish transitioned")
	}
	task, _ := env.Engine.Repo.GetTask(env.Ctx, "t1")
	if task.Cost != 3 {
		t.Fatalf("cost = %v, want 3", task.Cost)
	}
}

func TestFailingCardKeepsChildProof(t *testing.T) {
	env := newTestEnv(t)
	env.card(t, "a", need(domain.PunchStepComplete, "task_exit"))
	env.card(t, "b", need(domain.PunchGatePass, "lint"))
	env.send(t, "root", classifier.EventTool, `{"tool":"newTask","mode":"code","child_task_id":"c1"}`)
	env.send(t, "root", classifier.EventCompletion, ``)
	env.send(t, "c1", classifier.EventCompletion, ``)

	passed, err := env.Engine.Checkpoint(env.Ctx, "c1", "a")
	if err != nil || passed.Status != domain.CheckpointPass {
		t.Fatalf("card a = %+v %v", passed, err)
	}
	failed, err := env.Engine.Checkpoint(env.Ctx, "c1", "b")
	if err != nil || failed.Status != domain.CheckpointFail {
		t.Fatalf("card b = %+v %v", failed, err)
	}
	view, _ := env.Engine.Task(env.Ctx, "root")
	edge := view.Children[0]
	if edge.ChildCardValid == nil || !*edge.ChildCardValid || edge.ChildCheckpointHash == nil || *edge.ChildCheckpointHash != *passed.CommitHash {
		t.Fatalf("edge after failing card = %+v", edge)
	}

	again, err := env.Engine.Checkpoint(env.Ctx, "c1", "a")
	if err != nil || again.ID != passed.ID {
		t.Fatalf("repeat card a = %+v %v", again, err)
	}
	root, err := env.Engine.Checkpoint(env.Ctx, "root", "a")
	if err != nil || root.Status != domain.CheckpointPass {
		t.Fatalf("root checkpoint = %+v %v", root, err)
	}
}
