package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/zalando/go-keyring"

	"github.com/dharsanguruparan/timecapsule/internal/capsuletest"
	"github.com/dharsanguruparan/timecapsule/internal/model"
	"github.com/dharsanguruparan/timecapsule/internal/progress"
	"github.com/dharsanguruparan/timecapsule/internal/queue"
)

type cli struct {
	t   *testing.T
	srv *capsuletest.Server
	dir string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	keyring.MockInit()
	dir := t.TempDir()
	for key, value := range map[string]string{
		"CAPSULE_CONFIG":        "",
		"CAPSULE_KEY":           "",
		"CAPSULE_SERVER":        "",
		"CAPSULE_DATABASE_URL":  "",
		"CAPSULE_DOWNLOAD_DIR":  filepath.Join(dir, "downloads"),
		"CAPSULE_DELETE_SETTLE": "10ms",
		"CAPSULE_PROGRESS_TICK": "1ms",
		"NO_COLOR":              "1",
	} {
		t.Setenv(key, value)
	}
	return &cli{t: t, srv: capsuletest.New(t), dir: dir}
}

func (c *cli) run(stdin string, args ...string) (string, error) {
	c.t.Helper()
	var out, errOut bytes.Buffer
	a := newApp(strings.NewReader(stdin), &out, &errOut)
	cmd := newRootCommand(a)
	cmd.SetArgs(append([]string{"--server", c.srv.URL}, args...))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (c *cli) file(name, body string) string {
	c.t.Helper()
	path := filepath.Join(c.dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		c.t.Fatal(err)
	}
	return path
}

func TestKeyLifecycle(t *testing.T) {
	c := newCLI(t)
	if _, err := c.run("", "key", "set", "alice"); err != nil {
		t.Fatalf("key set: %v", err)
	}
	out, err := c.run("", "key", "show")
	if err != nil || strings.TrimSpace(out) != "alice" {
		t.Fatalf("key show = %q, %v", out, err)
	}
	if out, _ := c.run("", "--key", "bob", "key", "show"); strings.TrimSpace(out) != "bob" {
		t.Fatalf("--key must win over the keyring, got %q", out)
	}
	if _, err := c.run("", "key", "clear"); err != nil {
		t.Fatalf("key clear: %v", err)
	}
	out, err = c.run("", "key", "show")
	var shown *reportedError
	if !errors.As(err, &shown) || !strings.Contains(out, "Enter the capsule key") {
		t.Fatalf("key show after clear = %q, %v", out, err)
	}
}

func TestListWithoutKey(t *testing.T) {
	c := newCLI(t)
	out, err := c.run("", "list")
	if err == nil || !strings.Contains(out, "✖ Enter the capsule key") {
		t.Fatalf("list = %q, %v", out, err)
	}
	if c.srv.TotalHits() != 0 {
		t.Fatal("list without a key must not call the server")
	}
}

func TestUploadThenList(t *testing.T) {
	c := newCLI(t)
	path := c.file("letter.txt", "dear future me")

	out, err := c.run("", "--key", "alice", "upload", path, "--to", "bob, carol", "--unlock", "2030-03-05T14:30")
	if err != nil {
		t.Fatalf("upload: %v\n%s", err, out)
	}
	if !strings.Contains(out, "✔ Capsule has been locked successfully!") {
		t.Fatalf("upload output = %q", out)
	}
	if !strings.Contains(out, "Unlock Time: March 5, 2030, 02:30 PM") {
		t.Fatalf("list after upload missing row: %q", out)
	}
	if c.srv.Len() != 1 {
		t.Fatalf("stored = %d", c.srv.Len())
	}

	out, err = c.run("", "--key", "bob", "list")
	if err != nil || !strings.Contains(out, "letter.txt") || !strings.Contains(out, "[Unlock] [Del]") {
		t.Fatalf("list as bob = %q, %v", out, err)
	}
}

func TestUploadFromComponents(t *testing.T) {
	c := newCLI(t)
	path := c.file("a.txt", "x")
	args := []string{"--key", "alice", "upload", path, "--to", "bob",
		"--year", "2031", "--month", "12", "--day", "31", "--hour", "0", "--minute", "5"}
	if out, err := c.run("", args...); err != nil {
		t.Fatalf("upload: %v\n%s", err, out)
	}
	out, _ := c.run("", "--key", "bob", "list")
	if !strings.Contains(out, "December 31, 2031, 12:05 AM") {
		t.Fatalf("list = %q", out)
	}
}

func TestUnlockFlagExcludesComponents(t *testing.T) {
	c := newCLI(t)
	path := c.file("a.txt", "x")
	for _, component := range []string{"--year", "--month", "--day", "--hour", "--minute"} {
		_, err := c.run("", "--key", "alice", "upload", path, "--to", "bob", "--unlock", "2030-03-05T14:30", component, "3")
		if err == nil || !strings.Contains(err.Error(), "unlock") {
			t.Errorf("--unlock with %s = %v", component, err)
		}
	}
	if c.srv.TotalHits() != 0 {
		t.Fatalf("conflicting flags issued %d requests", c.srv.TotalHits())
	}
	if out, err := c.run("", "--key", "alice", "upload", path, "--to", "bob", "--year", "2031", "--month", "3"); err != nil {
		t.Fatalf("component flags together: %v\n%s", err, out)
	}
}

func TestUploadValidation(t *testing.T) {
	c := newCLI(t)
	path := c.file("a.txt", "x")

	out, err := c.run("", "--key", "alice", "upload", path, "--to", "bob")
	if err == nil || !strings.Contains(out, "Select Unlock Date and Time") {
		t.Fatalf("missing date = %q, %v", out, err)
	}
	out, err = c.run("", "--key", "alice", "upload", path, "--unlock", "2030-03-05T14:30")
	if err == nil || !strings.Contains(out, "Please specify who you want to grant capsule access to") {
		t.Fatalf("missing users = %q, %v", out, err)
	}
	out, err = c.run("", "--key", "alice", "upload", path, "--to", "bob", "--year", "2030", "--month", "2", "--day", "31")
	if err == nil || !strings.Contains(out, "does not exist") {
		t.Fatalf("impossible date = %q, %v", out, err)
	}
	if c.srv.TotalHits() != 0 {
		t.Fatalf("validation failures issued %d requests", c.srv.TotalHits())
	}
}

func TestUnlockLockedAndOpen(t *testing.T) {
	c := newCLI(t)
	unlock := model.Timestamp{Year: 2026, Month: 3, Day: 5, Hour: 14, Minute: 30}
	capsule := c.srv.Put(capsuletest.Capsule{Filename: "note.txt", ContentType: "text/plain", UnlockDate: unlock, Uploader: "alice", Data: []byte("hello")})

	c.srv.SetNow(func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) })
	out, err := c.run("", "--key", "alice", "unlock", capsule.ID)
	if err == nil || !strings.Contains(out, "This capsule will be unlocked at March 5, 2026, 02:30 PM") {
		t.Fatalf("locked unlock = %q, %v", out, err)
	}

	c.srv.SetNow(func() time.Time { return time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC) })
	out, err = c.run("", "--key", "alice", "unlock", capsule.ID)
	if err != nil || !strings.Contains(out, "Capsule has been downloaded successfully!") {
		t.Fatalf("unlock = %q, %v", out, err)
	}
	saved := filepath.Join(c.dir, "downloads", "note.txt")
	if !strings.Contains(out, "Saved to "+saved+"\n") {
		t.Fatalf("unlock should report %s, got %q", saved, out)
	}
	data, err := os.ReadFile(saved)
	if err != nil || string(data) != "hello" {
		t.Fatalf("saved file = %q, %v", data, err)
	}

	out, err = c.run("", "--key", "alice", "unlock", capsule.ID)
	if second := filepath.Join(c.dir, "downloads", "note (1).txt"); err != nil || !strings.Contains(out, "Saved to "+second+"\n") {
		t.Fatalf("second unlock = %q, %v", out, err)
	}
}

func TestDeleteConfirmation(t *testing.T) {
	c := newCLI(t)
	unlock := model.Timestamp{Year: 2030, Month: 1, Day: 1}
	capsule := c.srv.Put(capsuletest.Capsule{Filename: "old.txt", UnlockDate: unlock, Uploader: "alice"})

	out, err := c.run("n\n", "--key", "alice", "delete", capsule.ID)
	if err != nil || !strings.Contains(out, "Are you sure you want to delete this capsule? [y/N]") || !strings.Contains(out, "Cancelled.") {
		t.Fatalf("declined delete = %q, %v", out, err)
	}
	if c.srv.Hits(capsuletest.RouteDelete) != 0 {
		t.Fatal("declined delete reached the server")
	}

	out, err = c.run("y\n", "--key", "alice", "delete", capsule.ID)
	if err != nil || !strings.Contains(out, "The capsule has been deleted successfully!") {
		t.Fatalf("delete = %q, %v", out, err)
	}
	if c.srv.Len() != 0 || c.srv.Hits(capsuletest.RouteList) != 1 {
		t.Fatalf("stored = %d, refreshes = %d", c.srv.Len(), c.srv.Hits(capsuletest.RouteList))
	}
}

func TestDeleteAssumeYes(t *testing.T) {
	c := newCLI(t)
	capsule := c.srv.Put(capsuletest.Capsule{Filename: "old.txt", UnlockDate: model.Timestamp{Year: 2030, Month: 1, Day: 1}, Uploader: "alice"})
	out, err := c.run("", "--key", "alice", "delete", "--yes", capsule.ID)
	if err != nil || strings.Contains(out, "[y/N]") {
		t.Fatalf("delete --yes = %q, %v", out, err)
	}
}

const scheduledKey = "asynq:{default}:scheduled"

// scheduledCapsules returns the capsule ids waiting in the scheduled set.
func scheduledCapsules(t *testing.T, mr *miniredis.Miniredis) []string {
	t.Helper()
	members, err := mr.ZMembers(scheduledKey)
	if err != nil {
		t.Fatalf("scheduled set: %v", err)
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		id, _, ok := strings.Cut(strings.TrimPrefix(m, "unlock:"), "@")
		if !ok || !strings.HasPrefix(m, "unlock:") {
			t.Fatalf("unexpected task id %q", m)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestUploadAndScheduleUsesServerID(t *testing.T) {
	c := newCLI(t)
	mr := miniredis.RunT(t)
	t.Setenv("CAPSULE_REDIS_ADDR", mr.Addr())
	path := c.file("my letter.txt", "dear future me")

	out, err := c.run("", "--key", "alice", "upload", path, "--to", "bob", "--unlock", "2030-03-05T14:30", "--schedule")
	if err != nil {
		t.Fatalf("upload --schedule: %v\n%s", err, out)
	}
	ids := scheduledCapsules(t, mr)
	if len(ids) != 1 {
		t.Fatalf("scheduled = %v", ids)
	}
	stored, ok := c.srv.Get(ids[0])
	if !ok {
		t.Fatalf("scheduled id %s is not a capsule on the server", ids[0])
	}
	if stored.Filename != "my_letter.txt" {
		t.Fatalf("stored name = %q", stored.Filename)
	}
	unlock := model.Timestamp{Year: 2030, Month: 3, Day: 5, Hour: 14, Minute: 30}
	taskID := queue.TaskID(stored.ID, unlock.In(time.Local))
	msg := mr.HGet("asynq:{default}:t:"+taskID, "msg")
	if !strings.Contains(msg, queue.UnlockCapsuleTask) || !strings.Contains(msg, stored.ID) || !strings.Contains(msg, "my_letter.txt") {
		t.Fatalf("task message = %q", msg)
	}
	if !strings.Contains(out, "my_letter.txt will be downloaded at March 5, 2030, 02:30 PM") {
		t.Fatalf("upload output = %q", out)
	}
}

func TestScheduleExistingCapsule(t *testing.T) {
	c := newCLI(t)
	mr := miniredis.RunT(t)
	t.Setenv("CAPSULE_REDIS_ADDR", mr.Addr())
	unlock := model.Timestamp{Year: 2030, Month: 1, Day: 2, Hour: 8, Minute: 0}
	capsule := c.srv.Put(capsuletest.Capsule{Filename: "gift.pdf", UnlockDate: unlock, Uploader: "alice", AllowedUsers: []string{"bob"}})

	out, err := c.run("", "--key", "bob", "schedule", capsule.ID)
	if err != nil {
		t.Fatalf("schedule: %v\n%s", err, out)
	}
	members, _ := mr.ZMembers(scheduledKey)
	if want := queue.TaskID(capsule.ID, unlock.In(time.Local)); len(members) != 1 || members[0] != want {
		t.Fatalf("scheduled = %v, want %s", members, want)
	}

	if _, err := c.run("", "--key", "bob", "schedule", "missing"); err == nil || !strings.Contains(err.Error(), "not shared with you") {
		t.Fatalf("schedule unknown id = %v", err)
	}
	if members, _ := mr.ZMembers(scheduledKey); len(members) != 1 {
		t.Fatalf("unknown id was scheduled: %v", members)
	}
}

func TestProgressBarShowsFailureAtZero(t *testing.T) {
	var out, errOut bytes.Buffer
	a := newApp(strings.NewReader(""), &out, &errOut)
	bar := a.progressBar()

	bar.Render(progress.State{Failed: true, Label: progress.LabelFailed})
	if got := errOut.String(); !strings.Contains(got, progress.LabelFailed) || !strings.HasSuffix(got, "\n") {
		t.Fatalf("failed frame = %q", got)
	}

	errOut.Reset()
	bar.Render(progress.State{})
	if got := errOut.String(); got != "\r\x1b[K" {
		t.Fatalf("reset frame = %q", got)
	}
}
