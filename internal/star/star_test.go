package star

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func backends(t *testing.T) map[string]Index {
	t.Helper()
	fileIndex, err := NewFileIndex(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewFileIndex: %v", err)
	}
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return map[string]Index{
		"file":  fileIndex,
		"redis": NewRedisIndex(client, ""),
	}
}

func TestSetSemantics(t *testing.T) {
	for name, idx := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			user := "user_b@domain.com"

			for _, id := range []string{"m2", "m1", "m2"} {
				if err := idx.Add(ctx, user, id); err != nil {
					t.Fatalf("Add %s: %v", id, err)
				}
			}
			ids, err := idx.IDs(ctx, user)
			if err != nil {
				t.Fatalf("IDs: %v", err)
			}
			if !slices.Equal(ids, []string{"m1", "m2"}) {
				t.Errorf("IDs = %v, want [m1 m2]", ids)
			}

			if err := idx.Remove(ctx, user, "m2"); err != nil {
				t.Fatalf("Remove: %v", err)
			}
			if err := idx.Remove(ctx, user, "never-starred"); err != nil {
				t.Fatalf("Remove absent: %v", err)
			}
			ids, _ = idx.IDs(ctx, user)
			if !slices.Equal(ids, []string{"m1"}) {
				t.Errorf("IDs after remove = %v, want [m1]", ids)
			}

			other, err := idx.IDs(ctx, "user_a@domain.com")
			if err != nil {
				t.Fatalf("IDs other: %v", err)
			}
			if len(other) != 0 {
				t.Errorf("other user sees %v", other)
			}

			if ids, _ := idx.IDs(ctx, "USER_B@domain.com"); !slices.Equal(ids, []string{"m1"}) {
				t.Errorf("case-insensitive user lookup = %v", ids)
			}
			if err := idx.Add(ctx, " ", "m1"); !errors.Is(err, ErrInvalidUser) {
				t.Errorf("empty user error = %v", err)
			}
		})
	}
}

func TestConcurrentAddsAreNotLost(t *testing.T) {
	for name, idx := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const n = 50
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					if err := idx.Add(ctx, "user_b@domain.com", fmt.Sprintf("id-%02d", i)); err != nil {
						t.Errorf("Add: %v", err)
					}
				}(i)
			}
			wg.Wait()
			ids, err := idx.IDs(ctx, "user_b@domain.com")
			if err != nil {
				t.Fatalf("IDs: %v", err)
			}
			if len(ids) != n {
				t.Errorf("got %d ids after concurrent adds, want %d", len(ids), n)
			}
		})
	}
}

func TestFileIndexRecoversFromCorruptFile(t *testing.T) {
	dir := t.TempDir()
	idx, err := NewFileIndex(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, fileKey("user_b@domain.com")+".json"), []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if ids, err := idx.IDs(ctx, "user_b@domain.com"); err != nil || len(ids) != 0 {
		t.Fatalf("IDs on corrupt file = %v, %v", ids, err)
	}
	if err := idx.Add(ctx, "user_b@domain.com", "m1"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if ids, _ := idx.IDs(ctx, "user_b@domain.com"); !slices.Equal(ids, []string{"m1"}) {
		t.Errorf("IDs = %v", ids)
	}
}

func TestStarsAreNotSharedBetweenSimilarAddresses(t *testing.T) {
	pairs := [][2]string{
		{"a!b@domain.com", "a_b@domain.com"},
		{"ünï@domain.com", "uni@domain.com"},
		{"a/b@domain.com", "a_b@domain.com"},
	}
	for name, idx := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, pair := range pairs {
				if err := idx.Add(ctx, pair[0], "secret-"+pair[0]); err != nil {
					t.Fatalf("Add %s: %v", pair[0], err)
				}
				ids, err := idx.IDs(ctx, pair[1])
				if err != nil {
					t.Fatalf("IDs %s: %v", pair[1], err)
				}
				if slices.Contains(ids, "secret-"+pair[0]) {
					t.Errorf("%s sees stars of %s: %v", pair[1], pair[0], ids)
				}
			}
		})
	}
}

func TestFileIndexIgnoresFileOfAnotherUser(t *testing.T) {
	dir := t.TempDir()
	idx, err := NewFileIndex(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	foreign := `{"user":"user_a@domain.com","ids":["m9"]}`
	if err := os.WriteFile(filepath.Join(dir, fileKey("user_b@domain.com")+".json"), []byte(foreign), 0o644); err != nil {
		t.Fatal(err)
	}
	if ids, err := idx.IDs(context.Background(), "user_b@domain.com"); err != nil || len(ids) != 0 {
		t.Fatalf("IDs = %v, %v; want none", ids, err)
	}
}

func TestFileKeyIsSinglePathElement(t *testing.T) {
	for _, user := range []string{"../../etc/passwd", "a/b@c", `x\y`, ".."} {
		key := fileKey(user)
		if filepath.Base(key) != key {
			t.Errorf("fileKey(%q) = %q escapes the directory", user, key)
		}
	}
}
