package pkg

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/UnitedCTF/zync/internal/auth"
	"github.com/UnitedCTF/zync/internal/challenge"
	"github.com/UnitedCTF/zync/internal/deployer"
	"github.com/UnitedCTF/zync/pkg/api"
	"github.com/UnitedCTF/zync/pkg/config"
	"github.com/UnitedCTF/zync/pkg/lifecycle"
	"github.com/UnitedCTF/zync/pkg/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// ---------------------------------------------------------------------------
// Mock Deployer Client
// ---------------------------------------------------------------------------

type mockDeployer struct {
	mu          sync.Mutex
	nextID      int64
	createCalls int
	deleteCalls []int64

	createFn func(ctx context.Context, playbookName string, parameters map[string]interface{}) (*deployer.CreateResponse, error)
}

func (m *mockDeployer) Create(ctx context.Context, playbookName string, parameters map[string]interface{}) (*deployer.CreateResponse, error) {
	m.mu.Lock()
	m.createCalls++
	m.nextID++
	id := m.nextID
	m.mu.Unlock()
	if m.createFn != nil {
		return m.createFn(ctx, playbookName, parameters)
	}
	return &deployer.CreateResponse{
		ID:             id,
		ConnectionInfo: json.RawMessage(`{"host":"chall.example.com","port":31337}`),
	}, nil
}

func (m *mockDeployer) Delete(_ context.Context, deployID int64) error {
	m.mu.Lock()
	m.deleteCalls = append(m.deleteCalls, deployID)
	m.mu.Unlock()
	return nil
}

var _ deployer.Client = (*mockDeployer)(nil)

// ---------------------------------------------------------------------------
// Mock challenge Indexer
// ---------------------------------------------------------------------------

type mockIndexer struct {
	challenges map[uint]*challenge.Challenge
}

func newMockIndexer(challs ...*challenge.Challenge) *mockIndexer {
	m := &mockIndexer{challenges: make(map[uint]*challenge.Challenge)}
	for _, c := range challs {
		m.challenges[c.ID] = c
	}
	return m
}

func (m *mockIndexer) Get(id uint) (*challenge.Challenge, error) {
	c, ok := m.challenges[id]
	if !ok {
		return nil, lifecycle.ErrChallengeNotFound
	}
	return c, nil
}

func (m *mockIndexer) GetAll() []*challenge.Challenge {
	var all []*challenge.Challenge
	for _, c := range m.challenges {
		all = append(all, c)
	}
	return all
}

func (m *mockIndexer) BuildIndex(_ string) error { return nil }

var _ challenge.Indexer = (*mockIndexer)(nil)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func defaultTestConfig() *config.Config {
	return &config.Config{
		Auth: config.AuthConfig{JWTSecret: "testsecret"},
		Deployer: config.DeployerConfig{
			URL:    "http://deployer.internal",
			Secret: "s3cret",
		},
	}
}

func httpChallenge() *challenge.Challenge {
	return &challenge.Challenge{
		ID:           42,
		Name:         "http",
		PlaybookName: "http",
		Type:         "zync",
		DeployParameters: map[string]interface{}{
			"image": "nginx:latest",
		},
	}
}

func newTestServerWithMock(t *testing.T, mock *mockDeployer, cfg *config.Config) (*Server, models.Store) {
	t.Helper()
	if cfg == nil {
		cfg = defaultTestConfig()
	}
	db, err := models.InitDB(":memory:")
	require.NoError(t, err)
	store := models.NewStore(db)

	confProv := &config.StaticProvider{Cfg: cfg}
	mgr := lifecycle.NewManager(lifecycle.ManagerOpts{
		Store:            store,
		Deployer:         mock,
		ChallengeIndexer: newMockIndexer(httpChallenge()),
		ConfigProvider:   confProv,
	})

	return NewServerWithOpts(ServerOpts{
		Manager:        mgr,
		ConfigProvider: confProv,
	}), store
}

func userClaims(userID uint) *auth.Claims {
	return &auth.Claims{UserID: userID, Email: "alice@example.com", Role: "user"}
}

func adminClaims() *auth.Claims {
	return &auth.Claims{UserID: 1, Email: "admin@example.com", Role: "admin"}
}

func echoCtxWithClaimsAndBody(method, path string, claims *auth.Claims, body string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if claims != nil {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		c.Set("user", token)
	}
	return c, rec
}

// createInstance drives a full create through the handler and returns the response body.
func createInstance(t *testing.T, s *Server, claims *auth.Claims, challengeID string) api.DeploymentInfo {
	t.Helper()
	c, rec := echoCtxWithClaimsAndBody(http.MethodPost, "/deploy", claims, `{"challenge_id": `+challengeID+`}`)
	require.NoError(t, s.CreateDeployment(c))
	require.Equal(t, 200, rec.Code, rec.Body.String())

	var info api.DeploymentInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	return info
}

// ---------------------------------------------------------------------------
// Auth
// ---------------------------------------------------------------------------

func TestHandlers_Unauthorized(t *testing.T) {
	s, _ := newTestServerWithMock(t, &mockDeployer{}, nil)

	handlers := map[string]func(echo.Context) error{
		"get":    s.GetDeployments,
		"create": s.CreateDeployment,
		"delete": s.DeleteDeployments,
	}
	for name, h := range handlers {
		c, rec := echoCtxWithClaimsAndBody(http.MethodGet, "/deploy", nil, "")
		require.NoError(t, h(c), name)
		assert.Equal(t, 401, rec.Code, name)
	}
}

func TestCreateDeployment_TeamsModeWithoutTeam(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.Tracker.TeamsMode = true
	s, _ := newTestServerWithMock(t, &mockDeployer{}, cfg)

	c, rec := echoCtxWithClaimsAndBody(http.MethodPost, "/deploy", userClaims(5), `{"challenge_id": 42}`)
	require.NoError(t, s.CreateDeployment(c))
	assert.Equal(t, 400, rec.Code)
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

func TestCreateDeployment(t *testing.T) {
	mock := &mockDeployer{}
	s, _ := newTestServerWithMock(t, mock, nil)

	info := createInstance(t, s, userClaims(5), "42")
	assert.NotZero(t, info.ID)
	assert.Equal(t, uint(42), info.ChallengeID)
	assert.False(t, info.InProgress)
	require.NotNil(t, info.ConnectionInfo)
	assert.JSONEq(t, `{"host":"chall.example.com","port":31337}`, *info.ConnectionInfo)
}

func TestCreateDeployment_InvalidBody(t *testing.T) {
	s, _ := newTestServerWithMock(t, &mockDeployer{}, nil)

	c, rec := echoCtxWithClaimsAndBody(http.MethodPost, "/deploy", userClaims(5), `{}`)
	require.NoError(t, s.CreateDeployment(c))
	assert.Equal(t, 400, rec.Code)
}

func TestCreateDeployment_UnknownChallenge(t *testing.T) {
	s, _ := newTestServerWithMock(t, &mockDeployer{}, nil)

	c, rec := echoCtxWithClaimsAndBody(http.MethodPost, "/deploy", userClaims(5), `{"challenge_id": 999}`)
	require.NoError(t, s.CreateDeployment(c))
	assert.Equal(t, 404, rec.Code)
}

func TestCreateDeployment_Idempotent(t *testing.T) {
	mock := &mockDeployer{}
	s, _ := newTestServerWithMock(t, mock, nil)

	first := createInstance(t, s, userClaims(5), "42")
	second := createInstance(t, s, userClaims(5), "42")

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, *first.ConnectionInfo, *second.ConnectionInfo)
	assert.Equal(t, 1, mock.createCalls)
}

func TestCreateDeployment_ConflictWhileInProgress(t *testing.T) {
	mock := &mockDeployer{}
	s, store := newTestServerWithMock(t, mock, nil)

	require.NoError(t, store.Insert(&models.DeploymentInstance{OwnerKey: 5, ChallengeID: 42}))

	c, rec := echoCtxWithClaimsAndBody(http.MethodPost, "/deploy", userClaims(5), `{"challenge_id": 42}`)
	require.NoError(t, s.CreateDeployment(c))
	assert.Equal(t, 409, rec.Code)
	assert.Equal(t, 0, mock.createCalls)
}

func TestCreateDeployment_DeployerFailure(t *testing.T) {
	mock := &mockDeployer{
		createFn: func(context.Context, string, map[string]interface{}) (*deployer.CreateResponse, error) {
			return nil, &deployer.Error{StatusCode: 503, Body: "out of workers"}
		},
	}
	s, store := newTestServerWithMock(t, mock, nil)

	c, rec := echoCtxWithClaimsAndBody(http.MethodPost, "/deploy", userClaims(5), `{"challenge_id": 42}`)
	require.NoError(t, s.CreateDeployment(c))
	assert.Equal(t, 502, rec.Code)
	assert.Contains(t, rec.Body.String(), "out of workers")

	// Rollback: the placeholder did not survive.
	all, err := store.FindAll()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCreateDeployment_TeamsModeSharesInstance(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.Tracker.TeamsMode = true
	mock := &mockDeployer{}
	s, _ := newTestServerWithMock(t, mock, cfg)

	alice := &auth.Claims{UserID: 5, TeamID: 3, Email: "alice@example.com", Role: "user"}
	bob := &auth.Claims{UserID: 6, TeamID: 3, Email: "bob@example.com", Role: "user"}

	first := createInstance(t, s, alice, "42")
	second := createInstance(t, s, bob, "42")

	// Same team, same deployment.
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, mock.createCalls)
}

// ---------------------------------------------------------------------------
// Get
// ---------------------------------------------------------------------------

func TestGetDeployments_List(t *testing.T) {
	s, _ := newTestServerWithMock(t, &mockDeployer{}, nil)

	createInstance(t, s, userClaims(5), "42")

	c, rec := echoCtxWithClaimsAndBody(http.MethodGet, "/deploy", userClaims(5), "")
	require.NoError(t, s.GetDeployments(c))
	require.Equal(t, 200, rec.Code)

	var infos []api.DeploymentInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, uint(42), infos[0].ChallengeID)
}

func TestGetDeployments_ListScopedToOwner(t *testing.T) {
	s, _ := newTestServerWithMock(t, &mockDeployer{}, nil)

	createInstance(t, s, userClaims(5), "42")

	c, rec := echoCtxWithClaimsAndBody(http.MethodGet, "/deploy", userClaims(6), "")
	require.NoError(t, s.GetDeployments(c))
	require.Equal(t, 200, rec.Code)

	var infos []api.DeploymentInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
	assert.Empty(t, infos)
}

func TestGetDeployments_ByChallenge(t *testing.T) {
	s, _ := newTestServerWithMock(t, &mockDeployer{}, nil)

	created := createInstance(t, s, userClaims(5), "42")

	c, rec := echoCtxWithClaimsAndBody(http.MethodGet, "/deploy?challenge_id=42", userClaims(5), "")
	require.NoError(t, s.GetDeployments(c))
	require.Equal(t, 200, rec.Code)

	var info api.DeploymentInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, created.ID, info.ID)
}

func TestGetDeployments_ByChallengeMissing(t *testing.T) {
	s, _ := newTestServerWithMock(t, &mockDeployer{}, nil)

	c, rec := echoCtxWithClaimsAndBody(http.MethodGet, "/deploy?challenge_id=42", userClaims(5), "")
	require.NoError(t, s.GetDeployments(c))
	require.Equal(t, 200, rec.Code)
	assert.Equal(t, "null", strings.TrimSpace(rec.Body.String()))
}

// ---------------------------------------------------------------------------
// Delete
// ---------------------------------------------------------------------------

func TestDeleteDeployments_Single(t *testing.T) {
	mock := &mockDeployer{}
	s, store := newTestServerWithMock(t, mock, nil)

	info := createInstance(t, s, userClaims(5), "42")

	c, rec := echoCtxWithClaimsAndBody(http.MethodDelete, "/deploy", userClaims(5),
		`{"instance_id": `+strconv.FormatUint(uint64(info.ID), 10)+`}`)
	require.NoError(t, s.DeleteDeployments(c))
	assert.Equal(t, 204, rec.Code)

	assert.Len(t, mock.deleteCalls, 1)
	all, err := store.FindAll()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDeleteDeployments_All(t *testing.T) {
	mock := &mockDeployer{}
	s, store := newTestServerWithMock(t, mock, nil)

	createInstance(t, s, userClaims(5), "42")

	c, rec := echoCtxWithClaimsAndBody(http.MethodDelete, "/deploy", userClaims(5), "")
	require.NoError(t, s.DeleteDeployments(c))
	assert.Equal(t, 204, rec.Code)

	assert.Len(t, mock.deleteCalls, 1)
	all, err := store.FindAll()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDeleteDeployments_CrossOwnerForbidden(t *testing.T) {
	mock := &mockDeployer{}
	s, store := newTestServerWithMock(t, mock, nil)

	info := createInstance(t, s, userClaims(5), "42")

	c, rec := echoCtxWithClaimsAndBody(http.MethodDelete, "/deploy", userClaims(6),
		`{"instance_id": `+strconv.FormatUint(uint64(info.ID), 10)+`}`)
	require.NoError(t, s.DeleteDeployments(c))
	assert.Equal(t, 403, rec.Code)

	// Record untouched, no teardown issued.
	assert.Empty(t, mock.deleteCalls)
	all, err := store.FindAll()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestDeleteDeployments_AdminDeletesAll(t *testing.T) {
	mock := &mockDeployer{}
	s, store := newTestServerWithMock(t, mock, nil)

	createInstance(t, s, userClaims(5), "42")

	c, rec := echoCtxWithClaimsAndBody(http.MethodDelete, "/deploy", adminClaims(), "")
	require.NoError(t, s.DeleteDeployments(c))
	assert.Equal(t, 204, rec.Code)

	all, err := store.FindAll()
	require.NoError(t, err)
	assert.Empty(t, all)
}

