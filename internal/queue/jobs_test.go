package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/timecapsule/internal/model"
)

var unlockAt = model.Timestamp{Year: 2026, Month: 3, Day: 5, Hour: 14, Minute: 30}

func TestProcessTime(t *testing.T) {
	loc := time.FixedZone("KST", 9*3600)
	before := time.Date(2026, 3, 5, 14, 0, 0, 0, loc)
	if got := ProcessTime(unlockAt, loc, before); !got.Equal(time.Date(2026, 3, 5, 14, 30, 0, 0, loc)) {
		t.Fatalf("future unlock = %s", got)
	}
	after := time.Date(2026, 3, 6, 0, 0, 0, 0, loc)
	if got := ProcessTime(unlockAt, loc, after); !got.Equal(after.Add(RetryFloor)) {
		t.Fatalf("past unlock = %s", got)
	}
}

func TestEnqueueUnlockSchedulesOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: mr.Addr()})
	defer client.Close()

	at := time.Now().Add(time.Hour).Truncate(time.Second)
	payload := UnlockPayload{CapsuleID: "abc", OwnerKey: "alice", FileName: "letter.pdf", UnlockAt: unlockAt}

	id, err := EnqueueUnlock(context.Background(), client, payload, at)
	if err != nil {
		t.Fatalf("EnqueueUnlock: %v", err)
	}
	if id != TaskID("abc", at) {
		t.Fatalf("id = %s", id)
	}
	if again, err := EnqueueUnlock(context.Background(), client, payload, at); err != nil || again != id {
		t.Fatalf("second enqueue = %s, %v", again, err)
	}

	scheduled, err := mr.ZMembers("asynq:{default}:scheduled")
	if err != nil {
		t.Fatalf("scheduled set: %v", err)
	}
	if len(scheduled) != 1 || scheduled[0] != id {
		t.Fatalf("scheduled = %v", scheduled)
	}
	score, err := mr.ZScore("asynq:{default}:scheduled", id)
	if err != nil || int64(score) != at.Unix() {
		t.Fatalf("score = %v, %v", score, err)
	}
}

func TestDecodeUnlock(t *testing.T) {
	if _, err := DecodeUnlock(asynq.NewTask(UnlockCapsuleTask, []byte(`{"capsule_id":"abc"}`))); err == nil {
		t.Fatal("expected missing key error")
	}
	p, err := DecodeUnlock(asynq.NewTask(UnlockCapsuleTask, []byte(`{"capsule_id":"abc","owner_key":"alice","unlock_at":"2026-03-05T14:30"}`)))
	if err != nil {
		t.Fatalf("DecodeUnlock: %v", err)
	}
	if p.UnlockAt != unlockAt {
		t.Fatalf("unlock = %s", p.UnlockAt)
	}
}
