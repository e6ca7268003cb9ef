package service

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/panelfleet/panelfleet/internal/gate"
	"github.com/panelfleet/panelfleet/internal/model"
	"github.com/panelfleet/panelfleet/internal/state"
	"github.com/panelfleet/panelfleet/internal/subscription"
	"github.com/panelfleet/panelfleet/internal/taskqueue"
	"github.com/panelfleet/panelfleet/internal/xui"
)

type stubAPI struct {
	inbounds []xui.Inbound
	online   int
	listErr  error
}

func (a *stubAPI) ListInbounds(ctx context.Context) ([]xui.Inbound, error) {
	return a.inbounds, a.listErr
}
func (a *stubAPI) GetInbound(ctx context.Context, id int) (xui.Inbound, error) {
	return xui.Inbound{}, xui.ErrInboundNotFound
}
func (a *stubAPI) CreateInbound(ctx context.Context, req xui.CreateRequest) (xui.Created, error) {
	return xui.Created{}, errors.New("not supported")
}
func (a *stubAPI) UpdateInbound(ctx context.Context, id int, totalBytes, expiryTime int64) error {
	return nil
}
func (a *stubAPI) DisableInbound(ctx context.Context, id int) error { return nil }
func (a *stubAPI) DeleteInbound(ctx context.Context, id int) error  { return nil }
func (a *stubAPI) UsedPorts(ctx context.Context) (map[int]struct{}, error) {
	return map[int]struct{}{}, nil
}
func (a *stubAPI) OnlineClientCount(ctx context.Context) (int, error) { return a.online, nil }
func (a *stubAPI) AggregateTraffic(ctx context.Context) (xui.Traffic, error) {
	var t xui.Traffic
	for _, in := range a.inbounds {
		t.Up += in.Up
		t.Down += in.Down
	}
	return t, a.listErr
}

type stubConnector struct {
	mu        sync.Mutex
	api       *stubAPI
	dialErr   error
	forgotten []string
}

func (c *stubConnector) Connect(ctx context.Context, p model.Panel) (xui.API, error) {
	if c.dialErr != nil {
		return nil, c.dialErr
	}
	return c.api, nil
}

func (c *stubConnector) Forget(p model.Panel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgotten = append(c.forgotten, p.Name)
}

type testEnv struct {
	cp    *ControlPlaneService
	repo  *state.Repo
	store taskqueue.Store
	subs  *subscription.Writer
	conn  *stubConnector
	now   time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	stateDB, err := state.OpenDB(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { stateDB.Close() })
	if err := state.MigrateStateDB(stateDB); err != nil {
		t.Fatalf("MigrateStateDB: %v", err)
	}
	queueDB, err := state.OpenDB(filepath.Join(dir, "queue.db"))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { queueDB.Close() })
	if err := state.MigrateQueueDB(queueDB); err != nil {
		t.Fatalf("MigrateQueueDB: %v", err)
	}
	subs, err := subscription.NewWriter(filepath.Join(dir, "subs"))
	if err != nil {
		t.Fatal(err)
	}

	env := &testEnv{
		repo:  state.NewRepo(stateDB),
		store: taskqueue.NewSQLiteStore(queueDB),
		subs:  subs,
		conn:  &stubConnector{api: &stubAPI{}},
		now:   time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	env.cp = &ControlPlaneService{
		Repo:          env.repo,
		Store:         env.store,
		Subs:          subs,
		Connector:     env.conn,
		Gate:          gate.New(),
		Info:          SystemInfo{Version: "test", QueueBackend: "sqlite"},
		PublicBaseURL: "https://subs.example.com",
		Now:           func() time.Time { return env.now },
	}
	return env
}

func strPtr(s string) *string      { return &s }
func floatPtr(f float64) *float64 { return &f }

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	var svcErr *ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("error type: got %T (%v), want *ServiceError", err, err)
	}
	if svcErr.Code != code {
		t.Fatalf("error code: got %s (%s), want %s", svcErr.Code, svcErr.Message, code)
	}
}

func (e *testEnv) createService(t *testing.T, name string) *CreateServiceResult {
	t.Helper()
	res, err := e.cp.CreateService(context.Background(), CreateServiceRequest{
		Name:         strPtr(name),
		DurationDays: floatPtr(30),
		DataLimitGB:  floatPtr(50),
	})
	if err != nil {
		t.Fatalf("CreateService: %v", err)
	}
	return res
}

func TestCreateService_EnqueuesBuildAndWritesPlaceholder(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	res := env.createService(t, "alice")

	if res.Service.Protocol != "vless" || res.Service.Status != "active" {
		t.Fatalf("unexpected service %+v", res.Service)
	}
	wantLink := "https://subs.example.com/subs/" + res.Service.UUID + ".txt"
	if res.Service.SubscriptionLink != wantLink {
		t.Fatalf("link: got %q, want %q", res.Service.SubscriptionLink, wantLink)
	}
	if res.Service.EndDate != env.now.Add(30*24*time.Hour).Format(time.RFC3339Nano) {
		t.Fatalf("end date: got %s", res.Service.EndDate)
	}

	links, err := env.subs.Read(res.Service.UUID)
	if err != nil || len(links) != 0 {
		t.Fatalf("placeholder: links=%v err=%v", links, err)
	}

	task, err := env.store.Dequeue(ctx, taskqueue.KindBuildConfigs)
	if err != nil || task == nil {
		t.Fatalf("Dequeue: %v %v", task, err)
	}
	if task.ID != res.TaskID || task.Priority != taskqueue.PriorityService {
		t.Fatalf("unexpected task %+v", task)
	}
	p, err := taskqueue.DecodePayload(task.Kind, task.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if p.(taskqueue.BuildConfigsPayload).ServiceUUID != res.Service.UUID {
		t.Fatalf("payload: %+v", p)
	}
}

func TestCreateService_Validation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		req  CreateServiceRequest
	}{
		{"missing name", CreateServiceRequest{DurationDays: floatPtr(1), DataLimitGB: floatPtr(1)}},
		{"blank name", CreateServiceRequest{Name: strPtr("  "), DurationDays: floatPtr(1), DataLimitGB: floatPtr(1)}},
		{"hash in name", CreateServiceRequest{Name: strPtr("a#b"), DurationDays: floatPtr(1), DataLimitGB: floatPtr(1)}},
		{"bad protocol", CreateServiceRequest{Name: strPtr("a"), Protocol: strPtr("trojan"), DurationDays: floatPtr(1), DataLimitGB: floatPtr(1)}},
		{"missing duration", CreateServiceRequest{Name: strPtr("a"), DataLimitGB: floatPtr(1)}},
		{"zero duration", CreateServiceRequest{Name: strPtr("a"), DurationDays: floatPtr(0), DataLimitGB: floatPtr(1)}},
		{"negative limit", CreateServiceRequest{Name: strPtr("a"), DurationDays: floatPtr(1), DataLimitGB: floatPtr(-1)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.cp.CreateService(context.Background(), tc.req)
			assertCode(t, err, "INVALID_ARGUMENT")
		})
	}
	if n, _ := env.store.QueueDepth(context.Background(), taskqueue.KindBuildConfigs); n != 0 {
		t.Fatalf("invalid requests must not enqueue, depth %d", n)
	}
}

func TestCreateService_MixedProtocol(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.cp.CreateService(context.Background(), CreateServiceRequest{
		Name:         strPtr("bob"),
		Protocol:     strPtr("Mixed"),
		DurationDays: floatPtr(7),
		DataLimitGB:  floatPtr(0),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Service.Protocol != "mixed" {
		t.Fatalf("protocol: got %s", res.Service.Protocol)
	}
}

func TestCreateService_GateBusyReturnsUnavailable(t *testing.T) {
	env := newTestEnv(t)
	if err := env.cp.Gate.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer env.cp.Gate.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := env.cp.CreateService(ctx, CreateServiceRequest{
		Name: strPtr("carol"), DurationDays: floatPtr(1), DataLimitGB: floatPtr(1),
	})
	assertCode(t, err, "UNAVAILABLE")
}

func TestCreateService_ConcurrentRequestsAllSucceed(t *testing.T) {
	env := newTestEnv(t)
	const n = 8
	var wg sync.WaitGroup
	ids := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.cp.CreateService(context.Background(), CreateServiceRequest{
				Name: strPtr("user"), DurationDays: floatPtr(1), DataLimitGB: floatPtr(1),
			})
			if err != nil {
				t.Error(err)
				return
			}
			ids <- res.Service.UUID
		}()
	}
	wg.Wait()
	close(ids)
	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct services, got %d", n, len(seen))
	}
	if depth, _ := env.store.QueueDepth(context.Background(), taskqueue.KindBuildConfigs); depth != n {
		t.Fatalf("expected %d build tasks, got %d", n, depth)
	}
}

func TestUpdateService_EnqueuesPayload(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	res := env.createService(t, "dave")

	accepted, err := env.cp.UpdateService(ctx, res.Service.UUID, json.RawMessage(`{"data_limit_gb": 80, "duration_days": 10}`))
	if err != nil {
		t.Fatalf("UpdateService: %v", err)
	}
	task, err := env.store.Dequeue(ctx, taskqueue.KindUpdateService)
	if err != nil || task == nil || task.ID != accepted.TaskID {
		t.Fatalf("Dequeue: %+v %v", task, err)
	}
	p, err := taskqueue.DecodePayload(task.Kind, task.Payload)
	if err != nil {
		t.Fatal(err)
	}
	up := p.(taskqueue.UpdateServicePayload)
	if up.DataLimitGB == nil || *up.DataLimitGB != 80 {
		t.Fatalf("limit: %+v", up.DataLimitGB)
	}
	if up.EndDate == nil || !up.EndDate.Equal(env.now.Add(10*24*time.Hour)) {
		t.Fatalf("end date: %v", up.EndDate)
	}
}

func TestUpdateService_Validation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	res := env.createService(t, "erin")

	cases := map[string]string{
		"empty":         `{}`,
		"not object":    `[1]`,
		"unknown field": `{"status":"active"}`,
		"null value":    `{"data_limit_gb":null}`,
		"negative":      `{"data_limit_gb":-5}`,
		"bad date":      `{"end_date":"tomorrow"}`,
		"exclusive":     `{"end_date":"2031-01-01T00:00:00Z","duration_days":3}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := env.cp.UpdateService(ctx, res.Service.UUID, json.RawMessage(body))
			assertCode(t, err, "INVALID_ARGUMENT")
		})
	}

	_, err := env.cp.UpdateService(ctx, "7c9e6679-7425-40de-944b-e07fc1f90ae7", json.RawMessage(`{"data_limit_gb":1}`))
	assertCode(t, err, "NOT_FOUND")
}

func TestDeleteService(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	res := env.createService(t, "frank")

	accepted, err := env.cp.DeleteService(ctx, res.Service.UUID)
	if err != nil {
		t.Fatal(err)
	}
	rec, err := env.cp.GetTask(ctx, accepted.TaskID)
	if err != nil || rec.Kind != taskqueue.KindDeleteService || rec.Status != taskqueue.StatusPending {
		t.Fatalf("GetTask: %+v %v", rec, err)
	}
	_, err = env.cp.DeleteService(ctx, "7c9e6679-7425-40de-944b-e07fc1f90ae7")
	assertCode(t, err, "NOT_FOUND")
}

func TestDeleteInactiveServices(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	active := env.createService(t, "active")
	expired := env.createService(t, "expired")
	limited := env.createService(t, "limited")

	for uuid, to := range map[string]model.ServiceStatus{
		expired.Service.UUID: model.StatusExpired,
		limited.Service.UUID: model.StatusLimitReached,
	} {
		svc, err := env.repo.GetServiceByUUID(ctx, uuid)
		if err != nil {
			t.Fatal(err)
		}
		if err := env.repo.TransitionStatus(ctx, svc.ID, to); err != nil {
			t.Fatal(err)
		}
	}

	res, err := env.cp.DeleteInactiveServices(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Count != 2 || len(res.TaskIDs) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	queued := map[string]bool{}
	for {
		task, err := env.store.Dequeue(ctx, taskqueue.KindDeleteService)
		if err != nil {
			t.Fatal(err)
		}
		if task == nil {
			break
		}
		p, _ := taskqueue.DecodePayload(task.Kind, task.Payload)
		queued[p.(taskqueue.DeleteServicePayload).ServiceUUID] = true
	}
	if queued[active.Service.UUID] || !queued[expired.Service.UUID] || !queued[limited.Service.UUID] {
		t.Fatalf("unexpected delete set %v", queued)
	}

	list, err := env.cp.ListServices(ctx, "expired")
	if err != nil || len(list) != 1 || list[0].UUID != expired.Service.UUID {
		t.Fatalf("ListServices(expired): %+v %v", list, err)
	}
	_, err = env.cp.ListServices(ctx, "paused")
	assertCode(t, err, "INVALID_ARGUMENT")
}

func TestGetServiceStats(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	res := env.createService(t, "gina")
	svc, _ := env.repo.GetServiceByUUID(ctx, res.Service.UUID)
	if err := env.repo.UpdateUsage(ctx, svc.ID, 12.5); err != nil {
		t.Fatal(err)
	}
	if err := env.repo.CreatePanelConfig(ctx, &model.PanelConfig{
		ServiceID:      svc.ID,
		PanelID:        1,
		Protocol:       model.ProtocolVLESS,
		PanelInboundID: 4,
		Port:           20000,
		Remark:         "p1-gina-" + svc.UUID[:8],
		ConfigLink:     "vless://" + svc.UUID + "@p1.example.com:20000?type=tcp#p1-gina",
	}); err != nil {
		t.Fatal(err)
	}
	if err := env.subs.Write(svc.UUID, []string{"vless://" + svc.UUID + "@p1.example.com:20000?type=tcp#p1-gina"}); err != nil {
		t.Fatal(err)
	}
	env.now = env.now.Add(36 * time.Hour)

	st, err := env.cp.GetServiceStats(ctx, svc.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if st.RemainingGB == nil || *st.RemainingGB != 37.5 {
		t.Fatalf("remaining gb: %v", st.RemainingGB)
	}
	if st.RemainingDays == nil || *st.RemainingDays != 28 {
		t.Fatalf("remaining days: %v", st.RemainingDays)
	}
	if len(st.Configs) != 1 || st.Configs[0].Port != 20000 {
		t.Fatalf("configs: %+v", st.Configs)
	}
	if len(st.Endpoints) != 1 || st.Endpoints[0].Host != "p1.example.com" || st.Endpoints[0].Port != 20000 {
		t.Fatalf("endpoints: %+v", st.Endpoints)
	}

	env.now = env.now.Add(60 * 24 * time.Hour)
	st, err = env.cp.GetServiceStats(ctx, svc.UUID)
	if err != nil || *st.RemainingDays != 0 {
		t.Fatalf("expired remaining days: %+v %v", st, err)
	}
}

func TestGetServiceStats_UnlimitedQuota(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.cp.CreateService(context.Background(), CreateServiceRequest{
		Name: strPtr("henry"), DurationDays: floatPtr(1), DataLimitGB: floatPtr(0),
	})
	if err != nil {
		t.Fatal(err)
	}
	st, err := env.cp.GetServiceStats(context.Background(), res.Service.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if st.RemainingGB != nil {
		t.Fatalf("expected nil remaining_gb, got %v", *st.RemainingGB)
	}
}

func createPanel(t *testing.T, env *testEnv, name string) *PanelResponse {
	t.Helper()
	p, err := env.cp.CreatePanel(context.Background(), CreatePanelRequest{
		Name:     strPtr(name),
		URL:      strPtr("https://" + name + ".example.com:2053/"),
		Username: strPtr("admin"),
		Password: strPtr("secret"),
	})
	if err != nil {
		t.Fatalf("CreatePanel: %v", err)
	}
	return p
}

func TestPanels_CRUD(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	p := createPanel(t, env, "de1")
	if p.Domain != "de1.example.com" || p.RemarkPrefix != "de1" || p.URL != "https://de1.example.com:2053" {
		t.Fatalf("defaults not applied: %+v", p)
	}

	_, err := env.cp.CreatePanel(ctx, CreatePanelRequest{
		Name: strPtr("de1"), URL: strPtr("https://x.example.com"), Username: strPtr("a"), Password: strPtr("b"),
	})
	assertCode(t, err, "CONFLICT")

	_, err = env.cp.CreatePanel(ctx, CreatePanelRequest{
		Name: strPtr("bad"), URL: strPtr("ftp://x.example.com"), Username: strPtr("a"), Password: strPtr("b"),
	})
	assertCode(t, err, "INVALID_ARGUMENT")

	updated, err := env.cp.UpdatePanel(ctx, p.ID, json.RawMessage(`{"domain":"cdn.example.com","password":"new"}`))
	if err != nil {
		t.Fatalf("UpdatePanel: %v", err)
	}
	if updated.Domain != "cdn.example.com" {
		t.Fatalf("domain not updated: %+v", updated)
	}
	if len(env.conn.forgotten) != 1 {
		t.Fatalf("expected cached session dropped, got %v", env.conn.forgotten)
	}
	_, err = env.cp.UpdatePanel(ctx, p.ID, json.RawMessage(`{"id":5}`))
	assertCode(t, err, "INVALID_ARGUMENT")
	_, err = env.cp.UpdatePanel(ctx, p.ID, json.RawMessage(`{"remark_prefix":"has space"}`))
	assertCode(t, err, "INVALID_ARGUMENT")

	list, err := env.cp.ListPanels(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListPanels: %+v %v", list, err)
	}
	body, _ := json.Marshal(list[0])
	if strings.Contains(string(body), "new") {
		t.Fatalf("password leaked in %s", body)
	}

	del, err := env.cp.DeletePanel(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if del.CleanupTaskID == "" {
		t.Fatal("expected cleanup task")
	}
	if n, _ := env.store.QueueDepth(ctx, taskqueue.KindCleanupPanels); n != 1 {
		t.Fatalf("cleanup depth %d", n)
	}
	_, err = env.cp.GetPanel(ctx, p.ID)
	assertCode(t, err, "NOT_FOUND")
}

func TestEnsurePanel(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	req := CreatePanelRequest{
		Name: strPtr("nl1"), URL: strPtr("https://nl1.example.com"), Username: strPtr("admin"), Password: strPtr("pw"),
	}
	created, err := env.cp.EnsurePanel(ctx, req)
	if err != nil || !created {
		t.Fatalf("first EnsurePanel: created=%v err=%v", created, err)
	}
	created, err = env.cp.EnsurePanel(ctx, req)
	if err != nil || created {
		t.Fatalf("second EnsurePanel: created=%v err=%v", created, err)
	}
	req.Password = strPtr("rotated")
	if _, err := env.cp.EnsurePanel(ctx, req); err != nil {
		t.Fatal(err)
	}
	p, err := env.repo.GetPanelByName(ctx, "nl1")
	if err != nil || p.Password != "rotated" {
		t.Fatalf("panel not updated: %+v %v", p, err)
	}
}

func TestGetPanelStats(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	p := createPanel(t, env, "fi1")
	env.conn.api.inbounds = []xui.Inbound{
		{ID: 1, Port: 20000, Up: 10, Down: 20},
		{ID: 2, Port: 20001, Up: 5, Down: 5},
	}
	env.conn.api.online = 3

	st, err := env.cp.GetPanelStats(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Inbounds != 2 || st.OnlineClients != 3 || st.UpBytes != 15 || st.DownBytes != 25 || st.TotalBytes != 40 {
		t.Fatalf("unexpected stats %+v", st)
	}

	env.conn.dialErr = &xui.LoginError{URL: "https://fi1.example.com:2053", Err: errors.New("refused")}
	_, err = env.cp.GetPanelStats(ctx, p.ID)
	assertCode(t, err, "UNAVAILABLE")
}

func TestTriggerTaskAndQueueStats(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	accepted, err := env.cp.TriggerTask(ctx, TriggerTaskRequest{Kind: strPtr("sync_usage")})
	if err != nil {
		t.Fatal(err)
	}
	if accepted.TaskID == "" {
		t.Fatal("expected task id")
	}
	_, err = env.cp.TriggerTask(ctx, TriggerTaskRequest{Kind: strPtr("build_configs")})
	assertCode(t, err, "INVALID_ARGUMENT")
	_, err = env.cp.TriggerTask(ctx, TriggerTaskRequest{Kind: strPtr("reboot")})
	assertCode(t, err, "INVALID_ARGUMENT")
	_, err = env.cp.TriggerTask(ctx, TriggerTaskRequest{})
	assertCode(t, err, "INVALID_ARGUMENT")

	st, err := env.cp.GetQueueStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Backend != "sqlite" || st.Total != 1 || st.Depths[taskqueue.KindSyncUsage] != 1 {
		t.Fatalf("unexpected queue stats %+v", st)
	}

	_, err = env.cp.GetTask(ctx, "0190b5c8-0000-7000-8000-000000000000")
	assertCode(t, err, "NOT_FOUND")

	ws := env.cp.GetWorkersStatus()
	if ws.Workers != nil || ws.Scheduler != nil {
		t.Fatalf("expected empty workers status, got %+v", ws)
	}
}
