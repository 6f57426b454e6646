package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bmxtiming/timingcore/internal/api"
	"github.com/bmxtiming/timingcore/internal/authtoken"
	"github.com/bmxtiming/timingcore/internal/config"
	"github.com/bmxtiming/timingcore/internal/model"
)

type fakeController struct {
	stagedMoto    model.Moto
	stagedRiders  []string
	resetCalled   bool
	forceFinished bool
	stageErr      error
}

func (f *fakeController) Stage(_ context.Context, _ string, moto model.Moto, riderIDs []string) error {
	f.stagedMoto = moto
	f.stagedRiders = riderIDs
	return f.stageErr
}

func (f *fakeController) Reset(_ context.Context, _ string) error {
	f.resetCalled = true
	return nil
}

func (f *fakeController) ForceFinish(_ context.Context, _ string) error {
	f.forceFinished = true
	return nil
}

func newTestHandler(t *testing.T, ctrl *fakeController) (*api.Handler, *authtoken.Issuer) {
	t.Helper()
	config.Keys.Tracks = []config.TrackConfig{{ID: "track-1"}}

	issuer, err := authtoken.NewIssuer("test-signing-key")
	require.NoError(t, err)

	return &api.Handler{Controller: ctrl, Authorizer: issuer}, issuer
}

func bearerFor(t *testing.T, issuer *authtoken.Issuer, tracks []string) string {
	t.Helper()
	tok, err := issuer.Issue("operator-1", tracks, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

func TestStageRequiresAuthorization(t *testing.T) {
	h, _ := newTestHandler(t, &fakeController{})
	router := mux.NewRouter()
	h.MountRoutes(router)

	body, _ := json.Marshal(map[string]interface{}{
		"track_id": "track-1", "moto_id": "moto-1", "rider_ids": []string{"rider-A"},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/race/stage", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStageRejectsTokenNotAuthorizedForTrack(t *testing.T) {
	ctrl := &fakeController{}
	h, issuer := newTestHandler(t, ctrl)
	router := mux.NewRouter()
	h.MountRoutes(router)

	body, _ := json.Marshal(map[string]interface{}{
		"track_id": "track-1", "moto_id": "moto-1", "rider_ids": []string{"rider-A"},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/race/stage", bytes.NewReader(body))
	req.Header.Set("Authorization", bearerFor(t, issuer, []string{"track-2"}))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStageBuildsMotoWithDefaultLanes(t *testing.T) {
	ctrl := &fakeController{}
	h, issuer := newTestHandler(t, ctrl)
	router := mux.NewRouter()
	h.MountRoutes(router)

	body, _ := json.Marshal(map[string]interface{}{
		"track_id":  "track-1",
		"moto_id":   "moto-1",
		"rider_ids": []string{"rider-A", "rider-B"},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/race/stage", bytes.NewReader(body))
	req.Header.Set("Authorization", bearerFor(t, issuer, []string{"track-1"}))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, ctrl.stagedMoto.Entries, 2)
	assert.Equal(t, 1, ctrl.stagedMoto.Entries[0].Lane)
	assert.Equal(t, 2, ctrl.stagedMoto.Entries[1].Lane)
	assert.Equal(t, model.MotoStaged, ctrl.stagedMoto.Status)
}

func TestStageRejectsUnknownTrack(t *testing.T) {
	ctrl := &fakeController{}
	h, issuer := newTestHandler(t, ctrl)
	router := mux.NewRouter()
	h.MountRoutes(router)

	body, _ := json.Marshal(map[string]interface{}{
		"track_id": "no-such-track", "moto_id": "moto-1", "rider_ids": []string{"rider-A"},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/race/stage", bytes.NewReader(body))
	req.Header.Set("Authorization", bearerFor(t, issuer, []string{"no-such-track"}))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResetAndForceFinishDispatchToController(t *testing.T) {
	ctrl := &fakeController{}
	h, issuer := newTestHandler(t, ctrl)
	router := mux.NewRouter()
	h.MountRoutes(router)

	body, _ := json.Marshal(map[string]interface{}{"track_id": "track-1"})
	tok := bearerFor(t, issuer, []string{"track-1"})

	req := httptest.NewRequest(http.MethodPost, "/api/race/reset", bytes.NewReader(body))
	req.Header.Set("Authorization", tok)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, ctrl.resetCalled)

	req = httptest.NewRequest(http.MethodPost, "/api/race/force-finish", bytes.NewReader(body))
	req.Header.Set("Authorization", tok)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, ctrl.forceFinished)
}
