package mongostore

import (
	"context"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"copydesk/api/internal/store"
	"copydesk/api/internal/store/storetest"
)

func TestStoreContractMongo(t *testing.T) {
	uri := strings.TrimSpace(os.Getenv("COPYDESK_TEST_MONGO_URI"))
	if uri == "" {
		t.Skip("COPYDESK_TEST_MONGO_URI is not set")
	}

	var seq int
	storetest.Run(t, func(t *testing.T) store.CopyStore {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		seq++
		database := fmt.Sprintf("copydesk_test_%d_%d", time.Now().UnixNano(), seq)
		s, err := Open(ctx, uri, database, log.New(io.Discard))
		if err != nil {
			t.Fatalf("open mongo: %v", err)
		}
		if err := s.EnsureIndexes(ctx); err != nil {
			t.Fatalf("ensure indexes: %v", err)
		}
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = s.coll.Database().Drop(ctx)
			_ = s.Close(ctx)
		})
		return s
	})
}

func TestFilterTranslation(t *testing.T) {
	cases := []struct {
		name   string
		filter store.Filter
		want   bson.M
	}{
		{
			name:   "slug and language",
			filter: store.Filter{Slug: store.String("button.save"), Language: store.String("en")},
			want:   bson.M{"slug": "button.save", "language": "en"},
		},
		{
			name:   "ungrouped",
			filter: store.Filter{Ungrouped: true},
			want:   bson.M{"translationGroupId": nil},
		},
		{
			name:   "group excluding originator",
			filter: store.Filter{GroupIDs: []string{"grp_a"}, ExcludeIDs: []string{"cpy_1"}},
			want: bson.M{
				"_id":                bson.M{"$nin": []string{"cpy_1"}},
				"translationGroupId": bson.M{"$in": []string{"grp_a"}},
			},
		},
		{
			name:   "empty",
			filter: store.Filter{},
			want:   bson.M{},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := toBSON(tc.filter)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("toBSON() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestPatchAlwaysTouchesUpdatedAt(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	set := toSet(store.Patch{Slug: store.String("new"), IsOriginalText: store.Bool(false)}, now)
	if set["updatedAt"] != now {
		t.Fatalf("expected updatedAt %v, got %v", now, set["updatedAt"])
	}
	if set["slug"] != "new" || set["isOriginalText"] != false {
		t.Fatalf("unexpected $set document: %v", set)
	}
	if _, ok := set["text"]; ok {
		t.Fatal("expected untouched fields to be absent")
	}
}

func TestNewUsesComponentLogger(t *testing.T) {
	client, err := mongo.Connect(options.Client().ApplyURI("mongodb://127.0.0.1:1"))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	logger := log.New(io.Discard)
	if s := New(client, client.Database("copydesk"), logger); s.logger != logger {
		t.Fatal("expected the given logger to be kept")
	}
	if s := New(client, client.Database("copydesk"), nil); s.logger != log.Default() {
		t.Fatal("expected nil logger to fall back to the default")
	}
}
