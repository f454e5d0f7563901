package ledger

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/river-ice-cog/internal/pipeline"
	"github.com/JakeFAU/river-ice-cog/internal/storage/memory"
)

const (
	bucket = "datacube-stage-data-public"
	folder = "store/water/river-ice-canada-archive/"
	urlA   = "https://data.example/public/EGS/2016/RiverIce/CAN/ON/RiverIce_CAN_ON_Moose_20160503_232950.zip"
	urlB   = "https://data.example/public/EGS/2016/RiverIce/CAN/ON/RiverIce_CAN_ON_Albany_20160504_101500.zip"
)

// mockStore is a testify mock of pipeline.ObjectStore.
type mockStore struct {
	mock.Mock
}

func (m *mockStore) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	args := m.Called(ctx, bucket, prefix)
	names, _ := args.Get(0).([]string)
	return names, args.Error(1)
}

func (m *mockStore) GetText(ctx context.Context, bucket, key string) (string, error) {
	args := m.Called(ctx, bucket, key)
	return args.String(0), args.Error(1)
}

func (m *mockStore) PutText(ctx context.Context, bucket, key, text string, policy *pipeline.AccessPolicy) error {
	return m.Called(ctx, bucket, key, text, policy).Error(0)
}

func (m *mockStore) PutFile(ctx context.Context, bucket, key, localPath string, policy *pipeline.AccessPolicy) error {
	return m.Called(ctx, bucket, key, localPath, policy).Error(0)
}

func (m *mockStore) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string, policy *pipeline.AccessPolicy) error {
	return m.Called(ctx, srcBucket, srcKey, dstBucket, dstKey, policy).Error(0)
}

func (m *mockStore) Delete(ctx context.Context, bucket, key string) error {
	return m.Called(ctx, bucket, key).Error(0)
}

func TestLoadMissingLogIsEmpty(t *testing.T) {
	t.Parallel()

	l, err := Load(context.Background(), memory.NewBlobStore(), bucket, folder, MatchSubstring, nil)
	require.NoError(t, err)
	assert.Equal(t, " ", l.String())
	assert.Equal(t, folder+"log.txt", l.Key())
	assert.False(t, l.Contains(urlA))
	assert.False(t, l.Dirty())
}

func TestAppendAndFlushGrowsByAppendedURLs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewBlobStore()
	require.NoError(t, store.PutText(ctx, bucket, folder+"log.txt", " \n"+urlA, nil))

	l, err := Load(ctx, store, bucket, folder, MatchSubstring, nil)
	require.NoError(t, err)
	require.True(t, l.Contains(urlA))

	l.Append(urlB)
	require.True(t, l.Dirty())
	require.NoError(t, l.Flush(ctx))
	require.False(t, l.Dirty())

	stored, err := store.GetText(ctx, bucket, folder+"log.txt")
	require.NoError(t, err)
	assert.Equal(t, " \n"+urlA+"\n"+urlB, stored)
	assert.Equal(t, []string{urlB}, l.Added())

	lines := strings.Split(stored, "\n")
	assert.Equal(t, urlB, lines[len(lines)-1])
}

func TestSubstringVersusExactMatching(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewBlobStore()
	require.NoError(t, store.PutText(ctx, bucket, folder+"log.txt", " \n"+urlA, nil))

	prefix := strings.TrimSuffix(urlA, ".zip")

	sub, err := Load(ctx, store, bucket, folder, MatchSubstring, nil)
	require.NoError(t, err)
	assert.True(t, sub.Contains(prefix), "substring mode matches a prefix of a logged URL")

	exact, err := Load(ctx, store, bucket, folder, MatchExact, nil)
	require.NoError(t, err)
	assert.False(t, exact.Contains(prefix))
	assert.True(t, exact.Contains(urlA))
	exact.Append(urlB)
	assert.True(t, exact.Contains(urlB))
}

func TestLoadPropagatesStoreErrors(t *testing.T) {
	t.Parallel()

	store := &mockStore{}
	boom := errors.New("throttled")
	store.On("GetText", mock.Anything, bucket, folder+"log.txt").Return("", boom)

	_, err := Load(context.Background(), store, bucket, folder, MatchSubstring, nil)
	require.ErrorIs(t, err, boom)
	store.AssertExpectations(t)
}

func TestFlushFailureKeepsDirty(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewBlobStore()
	l, err := Load(ctx, store, bucket, folder, MatchSubstring, nil)
	require.NoError(t, err)
	store.FailOn(bucket, folder+"log.txt", errors.New("denied"))

	l.Append(urlA)
	require.Error(t, l.Flush(ctx))
	assert.True(t, l.Dirty())
}

func TestFlushWritesPolicyThroughStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	policy := &pipeline.AccessPolicy{GrantRead: "all", GrantFullControl: "owner"}
	store := &mockStore{}
	store.On("GetText", mock.Anything, bucket, folder+"log.txt").Return(" \n"+urlA, nil)
	store.On("PutText", mock.Anything, bucket, folder+"log.txt", " \n"+urlA+"\n"+urlB, policy).Return(nil).Once()

	l, err := Load(ctx, store, bucket, folder, MatchExact, policy)
	require.NoError(t, err)
	l.Append(urlB)
	require.NoError(t, l.Flush(ctx))
	assert.False(t, l.Dirty())
	store.AssertExpectations(t)
}

func TestParseMatchMode(t *testing.T) {
	t.Parallel()

	m, err := ParseMatchMode("")
	require.NoError(t, err)
	assert.Equal(t, MatchSubstring, m)
	m, err = ParseMatchMode("exact")
	require.NoError(t, err)
	assert.Equal(t, MatchExact, m)
	_, err = ParseMatchMode("fuzzy")
	require.Error(t, err)
}
