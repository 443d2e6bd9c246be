package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/maneesh/filerelay/internal/apperr"
	"github.com/maneesh/filerelay/internal/keygen"
	"github.com/maneesh/filerelay/internal/models"
	"github.com/maneesh/filerelay/internal/ratelimit"
	"github.com/maneesh/filerelay/internal/storage"
	"github.com/maneesh/filerelay/internal/storage/storagetest"
)

const testBucket = "relay"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// backendCase builds one storage variant plus probes into its raw state
type backendCase struct {
	name  string
	build func(t *testing.T) (storage.Backend, *storagetest.ObjectClient, func(name string) bool, func() int)
}

var backendCases = []backendCase{
	{
		name: "local",
		build: func(t *testing.T) (storage.Backend, *storagetest.ObjectClient, func(string) bool, func() int) {
			lb, err := storage.NewLocalBackend(t.TempDir())
			if err != nil {
				t.Fatalf("NewLocalBackend: %v", err)
			}
			has := func(name string) bool {
				_, err := os.Stat(filepath.Join(lb.Root(), name))
				return err == nil
			}
			count := func() int {
				entries, err := os.ReadDir(lb.Root())
				if err != nil {
					t.Fatalf("ReadDir: %v", err)
				}
				return len(entries)
			}
			return lb, nil, has, count
		},
	},
	{
		name: "remote",
		build: func(t *testing.T) (storage.Backend, *storagetest.ObjectClient, func(string) bool, func() int) {
			client := storagetest.NewObjectClient()
			has := func(name string) bool { return client.Has(testBucket, name) }
			return storage.NewRemoteBackend(client, testBucket), client, has, client.Len
		},
	},
}

type fixture struct {
	svc     *Service
	catalog *storage.Catalog
	objects *storagetest.ObjectClient
	clock   *testClock
	has     func(name string) bool
	count   func() int
}

type limits struct {
	upload   int
	download int
}

func newFixture(t *testing.T, bc backendCase, lim limits, wrap func(Catalog) Catalog) *fixture {
	t.Helper()

	backend, objects, has, count := bc.build(t)
	catalog := storagetest.NewCatalog(t)
	clock := &testClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.Local)}

	limiter := ratelimit.New(map[ratelimit.Action]ratelimit.Policy{
		ratelimit.ActionUpload:   {Limit: lim.upload, Count: catalog.CountUploadsSince},
		ratelimit.ActionDownload: {Limit: lim.download, Count: catalog.CountDownloadsSince},
	}, ratelimit.WithClock(clock.Now))

	var c Catalog = catalog
	if wrap != nil {
		c = wrap(catalog)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(backend, c, storage.NewMemoryCache(64, time.Minute), limiter, logger, WithClock(clock.Now))

	return &fixture{svc: svc, catalog: catalog, objects: objects, clock: clock, has: has, count: count}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, bc backendCase)) {
	for _, bc := range backendCases {
		t.Run(bc.name, func(t *testing.T) {
			fn(t, bc)
		})
	}
}

func (f *fixture) upload(t *testing.T, content, name, mimeType, source string) *models.UploadResult {
	t.Helper()
	res, err := f.svc.Upload(context.Background(), models.UploadRequest{
		Body:         strings.NewReader(content),
		OriginalName: name,
		MimeType:     mimeType,
		Size:         int64(len(content)),
		SourceIP:     source,
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	return res
}

func (f *fixture) record(t *testing.T, publicKey string) *models.FileRecord {
	t.Helper()
	rec, err := f.catalog.FindByPublicHash(context.Background(), keygen.Hash(publicKey))
	if err != nil {
		t.Fatalf("FindByPublicHash: %v", err)
	}
	return rec
}

func readAll(t *testing.T, dl *models.Download) []byte {
	t.Helper()
	defer dl.Body.Close()
	data, err := io.ReadAll(dl.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return data
}

func TestService_RoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, bc backendCase) {
		f := newFixture(t, bc, limits{upload: 10, download: 5}, nil)
		content := "%PDF-1.7 quarterly numbers"

		keys := f.upload(t, content, "Q3 report.pdf", "application/pdf", "10.0.0.1")
		if keys.PublicKey == keys.PrivateKey {
			t.Fatal("public and private keys must differ")
		}
		if !keygen.WellFormed(keys.PublicKey) || !keygen.WellFormed(keys.PrivateKey) {
			t.Fatalf("keys are not well formed: %+v", keys)
		}

		rec := f.record(t, keys.PublicKey)
		if rec.PrivateKeyHash != keygen.Hash(keys.PrivateKey) {
			t.Error("private key hash not stored")
		}
		if rec.PublicKeyHash == keys.PublicKey || rec.PrivateKeyHash == keys.PrivateKey {
			t.Error("raw keys must never be persisted")
		}
		if strings.Contains(rec.StoredName, "report") || !strings.HasSuffix(rec.StoredName, ".pdf") {
			t.Errorf("stored name should keep only the extension, got %q", rec.StoredName)
		}
		if rec.DownloadCount != 0 || rec.SizeBytes != int64(len(content)) {
			t.Errorf("unexpected new record: %+v", rec)
		}
		if !f.has(rec.StoredName) {
			t.Fatal("bytes not stored")
		}

		dl, err := f.svc.Download(context.Background(), keys.PublicKey, "10.0.0.2")
		if err != nil {
			t.Fatalf("Download: %v", err)
		}
		if got := readAll(t, dl); string(got) != content {
			t.Errorf("content: expected %q, got %q", content, got)
		}
		if dl.OriginalName != "Q3 report.pdf" || dl.MimeType != "application/pdf" {
			t.Errorf("metadata not preserved: name=%q mime=%q", dl.OriginalName, dl.MimeType)
		}
		if dl.SizeBytes != int64(len(content)) {
			t.Errorf("size: expected %d, got %d", len(content), dl.SizeBytes)
		}

		rec = f.record(t, keys.PublicKey)
		if rec.DownloadCount != 1 {
			t.Errorf("download count: expected 1, got %d", rec.DownloadCount)
		}
		if rec.LastDownloadAt == nil {
			t.Error("last download time not recorded")
		}
	})
}

func TestService_UnknownSizeAndMimeFallback(t *testing.T) {
	forEachBackend(t, func(t *testing.T, bc backendCase) {
		f := newFixture(t, bc, limits{upload: 10, download: 5}, nil)

		keys, err := f.svc.Upload(context.Background(), models.UploadRequest{
			Body:         bytes.NewReader([]byte("[1,2]\n")),
			OriginalName: "../../etc/data.json",
			Size:         -1,
			SourceIP:     "10.0.0.1",
		})
		if err != nil {
			t.Fatalf("Upload: %v", err)
		}
		rec := f.record(t, keys.PublicKey)
		if rec.SizeBytes != 6 {
			t.Errorf("size: expected 6, got %d", rec.SizeBytes)
		}
		if rec.OriginalName != "data.json" {
			t.Errorf("original name: expected data.json, got %q", rec.OriginalName)
		}
		if rec.MimeType != "application/json" {
			t.Errorf("mime type: expected application/json, got %q", rec.MimeType)
		}
	})
}

func TestService_KeysAreUnique(t *testing.T) {
	f := newFixture(t, backendCases[0], limits{upload: 50, download: 5}, nil)

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		keys := f.upload(t, "x", "x.txt", "text/plain", "10.0.0.1")
		for _, k := range []string{keys.PublicKey, keys.PrivateKey} {
			if seen[k] {
				t.Fatalf("duplicate key %q", k)
			}
			seen[k] = true
		}
	}
}

func TestService_DeleteIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, bc backendCase) {
		ctx := context.Background()
		f := newFixture(t, bc, limits{upload: 10, download: 5}, nil)
		keys := f.upload(t, "secret plans", "plans.txt", "text/plain", "10.0.0.1")
		rec := f.record(t, keys.PublicKey)

		// warm the cache so invalidation is exercised
		dl, err := f.svc.Download(ctx, keys.PublicKey, "10.0.0.1")
		if err != nil {
			t.Fatalf("Download: %v", err)
		}
		readAll(t, dl)

		if err := f.svc.Delete(ctx, keys.PrivateKey); err != nil {
			t.Fatalf("first Delete: %v", err)
		}
		if f.has(rec.StoredName) {
			t.Fatal("bytes still present after delete")
		}
		if err := f.svc.Delete(ctx, keys.PrivateKey); !errors.Is(err, apperr.ErrNotFound) {
			t.Fatalf("second Delete: expected ErrNotFound, got %v", err)
		}
		if _, err := f.svc.Download(ctx, keys.PublicKey, "10.0.0.1"); !errors.Is(err, apperr.ErrNotFound) {
			t.Fatalf("Download after delete: expected ErrNotFound, got %v", err)
		}

		pending, err := f.catalog.ListPendingDeletions(ctx, 10)
		if err != nil {
			t.Fatalf("ListPendingDeletions: %v", err)
		}
		if len(pending) != 0 {
			t.Errorf("a completed delete must clear its outbox entry, got %v", pending)
		}
	})
}

func TestService_DeleteRejectsPublicKey(t *testing.T) {
	f := newFixture(t, backendCases[0], limits{upload: 10, download: 5}, nil)
	keys := f.upload(t, "data", "a.bin", "", "10.0.0.1")

	if err := f.svc.Delete(context.Background(), keys.PublicKey); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("public key must not delete, got %v", err)
	}
	f.record(t, keys.PublicKey)
}

func TestService_ConcurrentDeletesHaveOneWinner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, bc backendCase) {
		f := newFixture(t, bc, limits{upload: 10, download: 5}, nil)
		keys := f.upload(t, "contended", "c.txt", "text/plain", "10.0.0.1")

		const callers = 6
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			ok       int
			notFound int
		)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := f.svc.Delete(context.Background(), keys.PrivateKey)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case errors.Is(err, apperr.ErrNotFound):
					notFound++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		if ok != 1 || notFound != callers-1 {
			t.Fatalf("expected one success, got ok=%d notFound=%d", ok, notFound)
		}
	})
}

func TestService_UploadRateLimit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, bc backendCase) {
		ctx := context.Background()
		f := newFixture(t, bc, limits{upload: 2, download: 5}, nil)

		f.upload(t, "1", "1.txt", "text/plain", "10.0.0.1")
		f.upload(t, "2", "2.txt", "text/plain", "10.0.0.1")
		stored := f.count()

		_, err := f.svc.Upload(ctx, models.UploadRequest{
			Body: strings.NewReader("3"), OriginalName: "3.txt", Size: 1, SourceIP: "10.0.0.1",
		})
		if !errors.Is(err, apperr.ErrRateLimited) {
			t.Fatalf("3rd upload: expected ErrRateLimited, got %v", err)
		}
		if f.count() != stored {
			t.Fatal("a rejected upload must not write bytes")
		}

		f.upload(t, "other", "o.txt", "text/plain", "10.0.0.2")

		f.clock.Advance(24 * time.Hour)
		f.upload(t, "tomorrow", "t.txt", "text/plain", "10.0.0.1")
	})
}

func TestService_DeletingUploadsDoesNotFreeSlots(t *testing.T) {
	forEachBackend(t, func(t *testing.T, bc backendCase) {
		ctx := context.Background()
		const limit = 3
		f := newFixture(t, bc, limits{upload: limit, download: 5}, nil)

		for i := 0; i < limit; i++ {
			keys := f.upload(t, fmt.Sprintf("payload %d", i), "p.txt", "text/plain", "10.0.0.1")
			if err := f.svc.Delete(ctx, keys.PrivateKey); err != nil {
				t.Fatalf("Delete %d: %v", i, err)
			}
		}
		if f.count() != 0 {
			t.Fatalf("expected every upload deleted, %d objects left", f.count())
		}

		_, err := f.svc.Upload(ctx, models.UploadRequest{
			Body: strings.NewReader("one more"), OriginalName: "m.txt", Size: 8, SourceIP: "10.0.0.1",
		})
		if !errors.Is(err, apperr.ErrRateLimited) {
			t.Fatalf("upload %d: expected ErrRateLimited, got %v", limit+1, err)
		}

		f.clock.Advance(24 * time.Hour)
		f.upload(t, "next day", "n.txt", "text/plain", "10.0.0.1")
	})
}

func TestService_DownloadRateLimit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, bc backendCase) {
		ctx := context.Background()
		f := newFixture(t, bc, limits{upload: 10, download: 5}, nil)
		keys := f.upload(t, "popular", "p.txt", "text/plain", "10.0.0.1")

		for i := 0; i < 5; i++ {
			dl, err := f.svc.Download(ctx, keys.PublicKey, "10.0.0.9")
			if err != nil {
				t.Fatalf("download %d: %v", i+1, err)
			}
			readAll(t, dl)
		}
		if _, err := f.svc.Download(ctx, keys.PublicKey, "10.0.0.9"); !errors.Is(err, apperr.ErrRateLimited) {
			t.Fatalf("6th download: expected ErrRateLimited, got %v", err)
		}
		if got := f.record(t, keys.PublicKey).DownloadCount; got != 5 {
			t.Errorf("a rejected download must not count, got %d", got)
		}

		dl, err := f.svc.Download(ctx, keys.PublicKey, "10.0.0.10")
		if err != nil {
			t.Fatalf("different source: %v", err)
		}
		readAll(t, dl)
	})
}

func TestService_ConcurrentDownloadsCountExactly(t *testing.T) {
	forEachBackend(t, func(t *testing.T, bc backendCase) {
		const downloads = 12
		f := newFixture(t, bc, limits{upload: 10, download: 100}, nil)
		keys := f.upload(t, "shared bytes", "s.txt", "text/plain", "10.0.0.1")

		var wg sync.WaitGroup
		for i := 0; i < downloads; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				dl, err := f.svc.Download(context.Background(), keys.PublicKey, "10.0.0.5")
				if err != nil {
					t.Errorf("Download: %v", err)
					return
				}
				dl.Body.Close()
			}()
		}
		wg.Wait()

		if got := f.record(t, keys.PublicKey).DownloadCount; got != downloads {
			t.Errorf("download count: expected %d, got %d", downloads, got)
		}
	})
}

func TestService_MissingBytes(t *testing.T) {
	forEachBackend(t, func(t *testing.T, bc backendCase) {
		f := newFixture(t, bc, limits{upload: 10, download: 5}, nil)
		keys := f.upload(t, "vanishing", "v.txt", "text/plain", "10.0.0.1")
		rec := f.record(t, keys.PublicKey)

		if err := f.svc.backend.Delete(context.Background(), rec.StoredName); err != nil {
			t.Fatalf("backend Delete: %v", err)
		}

		_, err := f.svc.Download(context.Background(), keys.PublicKey, "10.0.0.1")
		if !errors.Is(err, apperr.ErrMissingBytes) {
			t.Fatalf("expected ErrMissingBytes, got %v", err)
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			t.Fatal("missing bytes must still read as not found")
		}
		if apperr.Code(err) != apperr.CodeMissingBytes {
			t.Errorf("code: expected %s, got %s", apperr.CodeMissingBytes, apperr.Code(err))
		}
	})
}

func TestService_StorageFaultsPropagate(t *testing.T) {
	f := newFixture(t, backendCases[1], limits{upload: 10, download: 5}, nil)
	keys := f.upload(t, "data", "d.bin", "", "10.0.0.1")

	f.objects.FailGet = errors.New("connection refused")
	_, err := f.svc.Download(context.Background(), keys.PublicKey, "10.0.0.1")
	if !errors.Is(err, apperr.ErrStorageIO) {
		t.Fatalf("expected ErrStorageIO, got %v", err)
	}
	if errors.Is(err, apperr.ErrNotFound) {
		t.Fatal("a storage fault must not be reported as not found")
	}
	f.objects.FailGet = nil

	f.objects.FailPut = errors.New("disk quota exceeded")
	_, err = f.svc.Upload(context.Background(), models.UploadRequest{
		Body: strings.NewReader("x"), OriginalName: "x.txt", Size: 1, SourceIP: "10.0.0.1",
	})
	if !errors.Is(err, apperr.ErrStorageIO) {
		t.Fatalf("upload: expected ErrStorageIO, got %v", err)
	}
	f.objects.FailPut = nil

	f.objects.SetFailRemove(errors.New("timeout"))
	err = f.svc.Delete(context.Background(), keys.PrivateKey)
	if !errors.Is(err, apperr.ErrStorageIO) {
		t.Fatalf("delete: expected ErrStorageIO, got %v", err)
	}
	pending, _ := f.catalog.ListPendingDeletions(context.Background(), 10)
	if len(pending) != 1 {
		t.Fatalf("failed physical delete should stay queued, got %v", pending)
	}
}

type failingInsert struct {
	Catalog
}

func (failingInsert) Insert(context.Context, *models.FileRecord) error {
	return errors.New("duplicate entry")
}

func TestService_OrphanedBytesRemoved(t *testing.T) {
	forEachBackend(t, func(t *testing.T, bc backendCase) {
		f := newFixture(t, bc, limits{upload: 1, download: 5}, func(c Catalog) Catalog {
			return failingInsert{Catalog: c}
		})

		_, err := f.svc.Upload(context.Background(), models.UploadRequest{
			Body: strings.NewReader("orphan"), OriginalName: "o.txt", Size: 6, SourceIP: "10.0.0.1",
		})
		if err == nil {
			t.Fatal("expected upload to fail")
		}
		if n := f.count(); n != 0 {
			t.Fatalf("orphaned bytes left behind: %d objects", n)
		}

		// the failed upload did not consume the allowance
		_, err = f.svc.Upload(context.Background(), models.UploadRequest{
			Body: strings.NewReader("again"), OriginalName: "a.txt", Size: 5, SourceIP: "10.0.0.1",
		})
		if errors.Is(err, apperr.ErrRateLimited) {
			t.Fatal("failed upload should not count against the limit")
		}
	})
}

func TestService_Validation(t *testing.T) {
	f := newFixture(t, backendCases[0], limits{upload: 10, download: 5}, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		call func() error
	}{
		{"download malformed key", func() error {
			_, err := f.svc.Download(ctx, "not-a-key", "10.0.0.1")
			return err
		}},
		{"download empty key", func() error {
			_, err := f.svc.Download(ctx, "", "10.0.0.1")
			return err
		}},
		{"delete malformed key", func() error {
			return f.svc.Delete(ctx, "../../etc/passwd")
		}},
		{"upload without body", func() error {
			_, err := f.svc.Upload(ctx, models.UploadRequest{OriginalName: "a.txt", SourceIP: "10.0.0.1"})
			return err
		}},
		{"upload without name", func() error {
			_, err := f.svc.Upload(ctx, models.UploadRequest{Body: strings.NewReader("x"), SourceIP: "10.0.0.1"})
			return err
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.call(); !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestService_UnknownKeyNotFound(t *testing.T) {
	f := newFixture(t, backendCases[0], limits{upload: 10, download: 5}, nil)
	pub, priv, err := keygen.NewGenerator().GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	if _, err := f.svc.Download(context.Background(), pub, "10.0.0.1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("download: expected ErrNotFound, got %v", err)
	}
	if err := f.svc.Delete(context.Background(), priv); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("delete: expected ErrNotFound, got %v", err)
	}
	n, err := f.catalog.CountDownloadsSince(context.Background(), "10.0.0.1", time.Time{})
	if err != nil {
		t.Fatalf("CountDownloadsSince: %v", err)
	}
	if n != 0 {
		t.Errorf("a miss must not charge the allowance, got %d", n)
	}
}
