package conflict

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sharpsync/sharpsync/model"
)

func TestDefaultResolver_AlwaysReturnsFallback(t *testing.T) {
	r := NewDefaultResolver(model.ResolutionUseLocal)
	res, err := r.Resolve(context.Background(), &model.ConflictAnalysis{ConflictType: model.ConflictBothModified})
	require.NoError(t, err)
	require.Equal(t, model.ResolutionUseLocal, res)
}

func TestDefaultResolver_HonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewDefaultResolver(model.ResolutionUseLocal)
	_, err := r.Resolve(ctx, &model.ConflictAnalysis{})
	require.Error(t, err)
	require.True(t, model.Is(err, model.ErrCancelled))
}

func TestAnalyze_DeletedLocallyModifiedRemotely_RecommendsUseRemote(t *testing.T) {
	remote := &model.SyncItem{Path: "a.txt", Size: 10, LastModified: time.Now()}
	a := Analyze("a.txt", model.ConflictDeletedLocallyModifiedRemotely, nil, remote)
	require.Equal(t, model.ResolutionUseRemote, a.RecommendedResolution)
}

func TestAnalyze_ModifiedLocallyDeletedRemotely_RecommendsUseLocal(t *testing.T) {
	local := &model.SyncItem{Path: "a.txt", Size: 10, LastModified: time.Now()}
	a := Analyze("a.txt", model.ConflictModifiedLocallyDeletedRemotely, local, nil)
	require.Equal(t, model.ResolutionUseLocal, a.RecommendedResolution)
}

func TestAnalyze_BothModified_NewerSideWins(t *testing.T) {
	older := time.Now().Add(-time.Hour)
	newer := time.Now()

	local := &model.SyncItem{Path: "a.txt", Size: 10, LastModified: newer}
	remote := &model.SyncItem{Path: "a.txt", Size: 20, LastModified: older}
	a := Analyze("a.txt", model.ConflictBothModified, local, remote)
	require.Equal(t, model.ResolutionUseLocal, a.RecommendedResolution)
	require.Equal(t, "Local", a.NewerVersion)
	require.Equal(t, int64(-10), a.SizeDifference)
}

func TestAnalyze_BothModified_EqualTimestamps_Indeterminate(t *testing.T) {
	ts := time.Now()
	local := &model.SyncItem{Path: "a.txt", Size: 10, LastModified: ts}
	remote := &model.SyncItem{Path: "a.txt", Size: 10, LastModified: ts}
	a := Analyze("a.txt", model.ConflictBothModified, local, remote)
	require.Equal(t, model.ConflictResolution(""), a.RecommendedResolution)
	require.Empty(t, a.NewerVersion)
}

func TestAnalyze_TypeConflict_RecommendsSkip(t *testing.T) {
	a := Analyze("a.txt", model.ConflictTypeConflict, &model.SyncItem{}, &model.SyncItem{})
	require.Equal(t, model.ResolutionSkip, a.RecommendedResolution)
}

func TestAnalyze_ClassifiesBinaryAndTextExtensions(t *testing.T) {
	bin := Analyze("photo.jpg", model.ConflictBothModified, &model.SyncItem{}, &model.SyncItem{})
	require.True(t, bin.IsLikelyBinary)
	require.False(t, bin.IsLikelyTextFile)

	txt := Analyze("notes.MD", model.ConflictBothModified, &model.SyncItem{}, &model.SyncItem{})
	require.False(t, txt.IsLikelyBinary)
	require.True(t, txt.IsLikelyTextFile)

	unknown := Analyze("weird.xyz123", model.ConflictBothModified, &model.SyncItem{}, &model.SyncItem{})
	require.False(t, unknown.IsLikelyBinary)
	require.False(t, unknown.IsLikelyTextFile)
}

func TestSmartResolver_NoCallback_ReturnsRecommendation(t *testing.T) {
	r := NewSmartResolver(model.ResolutionSkip, nil)
	remote := &model.SyncItem{Path: "a.txt", LastModified: time.Now()}
	a := Analyze("a.txt", model.ConflictDeletedLocallyModifiedRemotely, nil, remote)

	res, err := r.Resolve(context.Background(), a)
	require.NoError(t, err)
	require.Equal(t, model.ResolutionUseRemote, res)
}

func TestSmartResolver_NoCallback_IndeterminateUsesFallback(t *testing.T) {
	r := NewSmartResolver(model.ResolutionAsk, nil)
	ts := time.Now()
	local := &model.SyncItem{LastModified: ts}
	remote := &model.SyncItem{LastModified: ts}
	a := Analyze("a.txt", model.ConflictBothModified, local, remote)

	res, err := r.Resolve(context.Background(), a)
	require.NoError(t, err)
	require.Equal(t, model.ResolutionAsk, res)
}

func TestSmartResolver_CallbackOverridesRecommendation(t *testing.T) {
	r := NewSmartResolver(model.ResolutionSkip, func(ctx context.Context, a *model.ConflictAnalysis) (model.ConflictResolution, error) {
		return model.ResolutionMerge, nil
	})
	a := Analyze("a.txt", model.ConflictTypeConflict, &model.SyncItem{}, &model.SyncItem{})

	res, err := r.Resolve(context.Background(), a)
	require.NoError(t, err)
	require.Equal(t, model.ResolutionMerge, res)
}

func TestSmartResolver_CallbackError_WrapsAsCallbackError(t *testing.T) {
	boom := errors.New("boom")
	r := NewSmartResolver(model.ResolutionSkip, func(ctx context.Context, a *model.ConflictAnalysis) (model.ConflictResolution, error) {
		return "", boom
	})
	a := Analyze("a.txt", model.ConflictTypeConflict, &model.SyncItem{}, &model.SyncItem{})

	_, err := r.Resolve(context.Background(), a)
	require.Error(t, err)
	require.True(t, model.Is(err, model.ErrCallbackError))
}

func TestHostIdentity_ExtractsHostnameFromURL(t *testing.T) {
	require.Equal(t, "files.example.com", HostIdentity("https://files.example.com:8443/remote/root"))
}

func TestHostIdentity_NonURLFallsBackToRemote(t *testing.T) {
	require.Equal(t, "remote", HostIdentity("/srv/data/root"))
	require.Equal(t, "remote", HostIdentity(""))
}

func TestUniqueRenamedPath_FirstNameFree(t *testing.T) {
	got := UniqueRenamedPath("docs", "report.docx", "laptop", func(string) bool { return false })
	require.Equal(t, "report (laptop).docx", got)
}

func TestUniqueRenamedPath_RotatesOnCollision(t *testing.T) {
	taken := map[string]bool{
		"docs/report (laptop).docx":   true,
		"docs/report (laptop 2).docx": true,
	}
	got := UniqueRenamedPath("docs", "report.docx", "laptop", func(candidate string) bool { return taken[candidate] })
	require.Equal(t, "report (laptop 3).docx", got)
}
