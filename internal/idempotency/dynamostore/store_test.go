package dynamostore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/imrishuroy/go-idempotent-lambda/internal/idempotency"
)

var testNow = time.Unix(1_700_000_000, 0)

func fixedClock() time.Time { return testNow }

func leaseRecord(key string, expiry, leaseMs int64) *idempotency.Record {
	return &idempotency.Record{
		IdempotencyKey:            key,
		Status:                    idempotency.StatusInProgress,
		ExpiryTimestamp:           expiry,
		InProgressExpiryTimestamp: leaseMs,
		PayloadHash:               "hash-1",
	}
}

func TestPutInProgress_Get_PutCompleted_Delete(t *testing.T) {
	mock := newSimpleMock()
	s := NewStore(mock, "idempotency-table", WithClock(fixedClock))
	ctx := context.Background()
	key := "fn#abc"

	if err := s.PutInProgress(ctx, leaseRecord(key, testNow.Add(time.Hour).Unix(), testNow.Add(time.Minute).UnixMilli())); err != nil {
		t.Fatalf("PutInProgress error: %v", err)
	}

	// second lease while the first is live must fail the condition
	err := s.PutInProgress(ctx, leaseRecord(key, testNow.Add(time.Hour).Unix(), testNow.Add(time.Minute).UnixMilli()))
	if !errors.Is(err, idempotency.ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed on duplicate lease, got %v", err)
	}

	rec, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if rec == nil {
		t.Fatalf("expected record, got nil")
	}
	if rec.Status != idempotency.StatusInProgress {
		t.Fatalf("expected INPROGRESS, got %s", rec.Status)
	}
	if rec.PayloadHash != "hash-1" {
		t.Fatalf("payload hash mismatch: %q", rec.PayloadHash)
	}

	completed := &idempotency.Record{
		IdempotencyKey:  key,
		Status:          idempotency.StatusCompleted,
		ExpiryTimestamp: testNow.Add(2 * time.Hour).Unix(),
		PayloadHash:     "hash-1",
		ResponseData:    json.RawMessage(`{"paymentId":"tx-1"}`),
	}
	if err := s.PutCompleted(ctx, completed); err != nil {
		t.Fatalf("PutCompleted error: %v", err)
	}

	// read raw item from mock to assert updated fields
	item := mock.table[key]
	if st, ok := item["status"].(*types.AttributeValueMemberS); !ok || st.Value != "COMPLETED" {
		t.Fatalf("status not updated to COMPLETED, got %+v", item["status"])
	}
	if d, ok := item["data"].(*types.AttributeValueMemberS); !ok || d.Value != `{"paymentId":"tx-1"}` {
		t.Fatalf("data not set correctly: %+v", item["data"])
	}
	if _, ok := item["in_progress_expiration"]; ok {
		t.Fatalf("lease expiry should be removed on completion")
	}

	rec, err = s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if rec.Status != idempotency.StatusCompleted || string(rec.Response()) != `{"paymentId":"tx-1"}` {
		t.Fatalf("unexpected completed record: %+v", rec)
	}
	if rec.ExpiryTimestamp != completed.ExpiryTimestamp {
		t.Fatalf("expiry mismatch: %d", rec.ExpiryTimestamp)
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	rec, err = s.Get(ctx, key)
	if err != nil || rec != nil {
		t.Fatalf("expected (nil, nil) after delete, got (%+v, %v)", rec, err)
	}
}

func TestPutInProgress_Condition(t *testing.T) {
	hour := testNow.Add(time.Hour).Unix()
	past := testNow.Add(-time.Second).Unix()

	tests := []struct {
		name     string
		existing map[string]types.AttributeValue
		wantErr  bool
	}{
		{
			name:     "completed and live",
			existing: rawItem("COMPLETED", hour, 0),
			wantErr:  true,
		},
		{
			name:     "completed and expired",
			existing: rawItem("COMPLETED", past, 0),
		},
		{
			name:     "completed expiring exactly now",
			existing: rawItem("COMPLETED", testNow.Unix(), 0),
		},
		{
			name:     "in progress with live lease",
			existing: rawItem("INPROGRESS", hour, testNow.Add(time.Second).UnixMilli()),
			wantErr:  true,
		},
		{
			name:     "in progress with lapsed lease",
			existing: rawItem("INPROGRESS", hour, testNow.Add(-time.Millisecond).UnixMilli()),
		},
		{
			name:     "in progress without lease expiry",
			existing: rawItem("INPROGRESS", hour, 0),
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newSimpleMock()
			tt.existing["id"] = &types.AttributeValueMemberS{Value: "k"}
			mock.table["k"] = tt.existing
			s := NewStore(mock, "tbl", WithClock(fixedClock))

			err := s.PutInProgress(context.Background(), leaseRecord("k", hour, testNow.Add(time.Minute).UnixMilli()))
			if tt.wantErr {
				if !errors.Is(err, idempotency.ErrConditionFailed) {
					t.Fatalf("expected ErrConditionFailed, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected lease to be acquired, got %v", err)
			}
			if st := mock.table["k"]["status"].(*types.AttributeValueMemberS).Value; st != "INPROGRESS" {
				t.Fatalf("expected overwrite with INPROGRESS, got %s", st)
			}
		})
	}
}

func rawItem(status string, expiry, leaseMs int64) map[string]types.AttributeValue {
	m, _ := attributevalue.MarshalMap(item{Status: status, Expiration: expiry, InProgressExpiration: leaseMs})
	return m
}

func TestCompositeKey(t *testing.T) {
	mock := newSimpleMock("pk", "sk")
	s := NewStore(mock, "tbl", WithKeyAttr("pk"), WithSortKeyAttr("sk"), WithClock(fixedClock))
	ctx := context.Background()

	if err := s.PutInProgress(ctx, leaseRecord("fn#1", testNow.Add(time.Hour).Unix(), testNow.Add(time.Minute).UnixMilli())); err != nil {
		t.Fatalf("PutInProgress error: %v", err)
	}
	item, ok := mock.table["idempotency#tbl|fn#1"]
	if !ok {
		t.Fatalf("item not stored under static partition key, table: %v", mock.table)
	}
	if pk := item["pk"].(*types.AttributeValueMemberS).Value; pk != "idempotency#tbl" {
		t.Fatalf("unexpected partition key %q", pk)
	}
	rec, err := s.Get(ctx, "fn#1")
	if err != nil || rec == nil {
		t.Fatalf("Get: (%v, %v)", rec, err)
	}
	if rec.IdempotencyKey != "fn#1" {
		t.Fatalf("key mismatch: %s", rec.IdempotencyKey)
	}
}

func TestGet_ConsistentRead(t *testing.T) {
	mock := newSimpleMock()
	s := NewStore(mock, "tbl")
	if _, err := s.Get(context.Background(), "missing"); err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if mock.lastGet.ConsistentRead == nil || !*mock.lastGet.ConsistentRead {
		t.Fatalf("expected strongly consistent read")
	}
}

func TestErrors(t *testing.T) {
	boom := errors.New("throttled")
	mock := newSimpleMock()
	mock.err = boom
	s := NewStore(mock, "tbl", WithClock(fixedClock))
	ctx := context.Background()

	err := s.PutInProgress(ctx, leaseRecord("k", 1, 1))
	if !errors.Is(err, boom) || errors.Is(err, idempotency.ErrConditionFailed) {
		t.Fatalf("expected wrapped backend error, got %v", err)
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped get error, got %v", err)
	}
	if err := s.Delete(ctx, "k"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped delete error, got %v", err)
	}

	// conditional failures surfaced as a generic API error are still recognized
	mock.err = &smithy.GenericAPIError{Code: "ConditionalCheckFailedException", Message: "failed"}
	if err := s.PutInProgress(ctx, leaseRecord("k", 1, 1)); !errors.Is(err, idempotency.ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}
}

// The orchestrator over this store: replay, independent keys and lease release.
func TestOrchestratorOverDynamoDB(t *testing.T) {
	mock := newSimpleMock()
	store := NewStore(mock, "idempotency", WithClock(fixedClock))
	orch, err := idempotency.New(store,
		idempotency.WithKeyPrefix("payments"),
		idempotency.WithExpiresAfter(time.Hour),
		idempotency.WithClock(fixedClock),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	type req struct {
		User      string `json:"user"`
		ProductID string `json:"productId"`
	}
	type resp struct {
		PaymentID string `json:"paymentId"`
	}
	calls := 0
	pay := idempotency.Wrap(orch, func(ctx context.Context, r req) (resp, error) {
		calls++
		return resp{PaymentID: "tx-" + string(rune('0'+calls))}, nil
	})

	ctx := context.Background()
	first, err := pay.Invoke(ctx, req{User: "u1", ProductID: "p1"})
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := pay.Invoke(ctx, req{User: "u1", ProductID: "p1"})
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if first.PaymentID != "tx-1" || second.PaymentID != "tx-1" || calls != 1 {
		t.Fatalf("expected replay of tx-1 with one call, got %v %v calls=%d", first, second, calls)
	}
	third, err := pay.Invoke(ctx, req{User: "u1", ProductID: "p2"})
	if err != nil {
		t.Fatalf("third call: %v", err)
	}
	if third.PaymentID != "tx-2" || calls != 2 {
		t.Fatalf("expected independent execution, got %v calls=%d", third, calls)
	}
	if len(mock.table) != 2 {
		t.Fatalf("expected two records, got %d", len(mock.table))
	}
}
