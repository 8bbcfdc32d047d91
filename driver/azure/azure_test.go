package azure

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobeaver/filezoom"
)

type fakeBlob struct {
	data        []byte
	modified    time.Time
	contentType string
}

// fakeContainer keeps blobs in memory and serves listings through real
// SDK pagers, pageSize entries at a time.
type fakeContainer struct {
	mu       sync.Mutex
	blobs    map[string]fakeBlob
	pageSize int
	readErr  error
}

func newFake() *fakeContainer {
	return &fakeContainer{blobs: map[string]fakeBlob{}, pageSize: 1000}
}

func (f *fakeContainer) put(name, body, contentType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[name] = fakeBlob{data: []byte(body), modified: time.Now(), contentType: contentType}
}

func (f *fakeContainer) get(name string) (fakeBlob, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blobs[name]
	return b, ok
}

func notFound() error {
	return &azcore.ResponseError{ErrorCode: string(bloberror.BlobNotFound), StatusCode: http.StatusNotFound}
}

// listing is one sorted listing result: a blob name or, with prefix set,
// a folded directory.
type listing struct {
	name   string
	prefix bool
}

func (f *fakeContainer) listings(prefix, delimiter string) []listing {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for k := range f.blobs {
		if strings.HasPrefix(k, prefix) {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	var out []listing
	seen := map[string]bool{}
	for _, k := range names {
		rest := strings.TrimPrefix(k, prefix)
		if delimiter != "" {
			if i := strings.Index(rest, delimiter); i >= 0 {
				dir := prefix + rest[:i+1]
				if !seen[dir] {
					seen[dir] = true
					out = append(out, listing{name: dir, prefix: true})
				}
				continue
			}
		}
		out = append(out, listing{name: k})
	}
	return out
}

// page cuts the listing at the marker, which is an index into it.
func (f *fakeContainer) page(all []listing, marker *string, max *int32) ([]listing, *string) {
	start := 0
	if marker != nil {
		start, _ = strconv.Atoi(*marker)
	}
	size := f.pageSize
	if max != nil && int(*max) < size {
		size = int(*max)
	}
	end := min(start+size, len(all))
	if end == len(all) {
		return all[start:end], nil
	}
	next := strconv.Itoa(end)
	return all[start:end], &next
}

func (f *fakeContainer) item(name string) *container.BlobItem {
	b, _ := f.get(name)
	n := name
	size := int64(len(b.data))
	mt := b.modified
	return &container.BlobItem{Name: &n, Properties: &container.BlobProperties{ContentLength: &size, LastModified: &mt}}
}

func (f *fakeContainer) NewListBlobsFlatPager(o *container.ListBlobsFlatOptions) *runtime.Pager[container.ListBlobsFlatResponse] {
	return runtime.NewPager(runtime.PagingHandler[container.ListBlobsFlatResponse]{
		More: func(resp container.ListBlobsFlatResponse) bool {
			return resp.NextMarker != nil
		},
		Fetcher: func(_ context.Context, cur *container.ListBlobsFlatResponse) (container.ListBlobsFlatResponse, error) {
			var marker *string
			if cur != nil {
				marker = cur.NextMarker
			}
			items, next := f.page(f.listings(*o.Prefix, ""), marker, o.MaxResults)
			var resp container.ListBlobsFlatResponse
			resp.Segment = &container.BlobFlatListSegment{}
			resp.NextMarker = next
			for _, it := range items {
				resp.Segment.BlobItems = append(resp.Segment.BlobItems, f.item(it.name))
			}
			return resp, nil
		},
	})
}

func (f *fakeContainer) NewListBlobsHierarchyPager(delimiter string, o *container.ListBlobsHierarchyOptions) *runtime.Pager[container.ListBlobsHierarchyResponse] {
	return runtime.NewPager(runtime.PagingHandler[container.ListBlobsHierarchyResponse]{
		More: func(resp container.ListBlobsHierarchyResponse) bool {
			return resp.NextMarker != nil
		},
		Fetcher: func(_ context.Context, cur *container.ListBlobsHierarchyResponse) (container.ListBlobsHierarchyResponse, error) {
			var marker *string
			if cur != nil {
				marker = cur.NextMarker
			}
			items, next := f.page(f.listings(*o.Prefix, delimiter), marker, o.MaxResults)
			var resp container.ListBlobsHierarchyResponse
			resp.Segment = &container.BlobHierarchyListSegment{}
			resp.NextMarker = next
			for _, it := range items {
				if it.prefix {
					name := it.name
					resp.Segment.BlobPrefixes = append(resp.Segment.BlobPrefixes, &container.BlobPrefix{Name: &name})
					continue
				}
				resp.Segment.BlobItems = append(resp.Segment.BlobItems, f.item(it.name))
			}
			return resp, nil
		},
	})
}

func (f *fakeContainer) BlobProperties(_ context.Context, name string) (blob.GetPropertiesResponse, error) {
	b, ok := f.get(name)
	if !ok {
		return blob.GetPropertiesResponse{}, notFound()
	}
	size := int64(len(b.data))
	return blob.GetPropertiesResponse{ContentLength: &size, LastModified: &b.modified}, nil
}

func (f *fakeContainer) Download(_ context.Context, name string) (io.ReadCloser, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	b, ok := f.get(name)
	if !ok {
		return nil, notFound()
	}
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

func (f *fakeContainer) Upload(_ context.Context, name string, body io.Reader, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.put(name, string(data), contentType)
	return nil
}

func (f *fakeContainer) Delete(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.blobs[name]; !ok {
		return notFound()
	}
	delete(f.blobs, name)
	return nil
}

func (f *fakeContainer) Copy(_ context.Context, from, to string) error {
	b, ok := f.get(from)
	if !ok {
		return notFound()
	}
	f.put(to, string(b.data), b.contentType)
	return nil
}

func p(raw string) filezoom.Path {
	return filezoom.MustNormalize(raw, "azure")
}

func TestStatAndList(t *testing.T) {
	ctx := context.Background()
	fake := newFake()
	fake.put("root/docs/a.txt", "hello", "")
	fake.put("root/docs/sub/b.txt", "x", "")
	fake.put("root/empty/", "", "")
	a := New(fake, WithPrefix("root"))

	e, err := a.Stat(ctx, p("/docs/a.txt"))
	require.NoError(t, err)
	assert.Equal(t, filezoom.KindFile, e.Kind)
	assert.Equal(t, int64(5), e.Size)

	for _, dir := range []string{"/", "/docs", "/docs/sub", "/empty"} {
		e, err := a.Stat(ctx, p(dir))
		require.NoError(t, err, dir)
		assert.True(t, e.IsDir(), dir)
	}
	_, err = a.Stat(ctx, p("/missing"))
	assert.ErrorIs(t, err, filezoom.ErrNotFound)

	kinds := map[string]filezoom.EntryKind{}
	for e, err := range a.List(ctx, p("/docs")) {
		require.NoError(t, err)
		kinds[e.Name] = e.Kind
	}
	assert.Equal(t, map[string]filezoom.EntryKind{
		"a.txt": filezoom.KindFile,
		"sub":   filezoom.KindDirectory,
	}, kinds)
}

func TestListPaginates(t *testing.T) {
	fake := newFake()
	fake.pageSize = 2
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		fake.put("d/"+name, name, "")
	}
	fake.put("d/sub/x", "x", "")
	a := New(fake)

	var names []string
	for e, err := range a.List(context.Background(), p("/d")) {
		require.NoError(t, err)
		names = append(names, e.Name)
	}
	assert.ElementsMatch(t, []string{"a", "b", "c", "d", "e", "sub"}, names)
}

func TestWriteRead(t *testing.T) {
	ctx := context.Background()
	fake := newFake()
	a := New(fake)

	w, err := a.OpenWrite(ctx, p("/f.txt"), filezoom.WriteTruncate)
	require.NoError(t, err)
	_, err = io.WriteString(w, "content")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := a.OpenRead(ctx, p("/f.txt"))
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))
	b, _ := fake.get("f.txt")
	assert.Equal(t, "text/plain; charset=utf-8", b.contentType)

	fake.put("dir/x", "1", "")
	_, err = a.OpenRead(ctx, p("/dir"))
	assert.ErrorIs(t, err, filezoom.ErrIsDir)
}

func TestMkdirRemoveRename(t *testing.T) {
	ctx := context.Background()
	fake := newFake()
	a := New(fake)

	require.NoError(t, a.Mkdir(ctx, p("/d"), false))
	_, ok := fake.get("d/")
	assert.True(t, ok)
	fake.put("d/f", "1", "")
	assert.ErrorIs(t, a.Remove(ctx, p("/d")), filezoom.ErrNotEmpty)

	require.NoError(t, a.Rename(ctx, p("/d/f"), p("/g")))
	_, ok = fake.get("d/f")
	assert.False(t, ok)
	_, ok = fake.get("g")
	assert.True(t, ok)

	require.NoError(t, a.Remove(ctx, p("/d")))
	assert.ErrorIs(t, a.Remove(ctx, p("/d")), filezoom.ErrNotFound)
	fake.put("dir2/x", "1", "")
	assert.True(t, filezoom.IsUnsupported(a.Rename(ctx, p("/dir2"), p("/z"))))
}

func TestErrorMapping(t *testing.T) {
	fake := newFake()
	fake.put("f", "x", "")
	a := New(fake)

	fake.readErr = &azcore.ResponseError{StatusCode: http.StatusForbidden}
	_, err := a.OpenRead(context.Background(), p("/f"))
	assert.ErrorIs(t, err, filezoom.ErrPermissionDenied)

	fake.readErr = io.ErrUnexpectedEOF
	_, err = a.OpenRead(context.Background(), p("/f"))
	assert.ErrorIs(t, err, filezoom.ErrConnectionLost)
	assert.True(t, filezoom.IsFatal(err))
}

func TestWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fake := newFake()
	fake.put("w/a", "1", "")
	a := New(fake, WithPollInterval(10*time.Millisecond))

	token, err := a.Watch(ctx, p("/w"))
	require.NoError(t, err)
	fake.put("w/b", "2", "")
	require.Eventually(t, token.HasChanged, 2*time.Second, 10*time.Millisecond)
}
