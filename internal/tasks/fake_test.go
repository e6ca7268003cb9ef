package tasks

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/panelfleet/panelfleet/internal/gate"
	"github.com/panelfleet/panelfleet/internal/model"
	"github.com/panelfleet/panelfleet/internal/state"
	"github.com/panelfleet/panelfleet/internal/subscription"
	"github.com/panelfleet/panelfleet/internal/xui"
)

var errFakeDown = errors.New("panel unreachable")

// fakeAPI is an in-memory panel.
type fakeAPI struct {
	mu          sync.Mutex
	domain      string
	inbounds    map[int]*xui.Inbound
	reserved    map[int]struct{}
	nextID      int
	createDelay time.Duration

	failCreate  error
	failList    error
	failUpdate  error
	failDisable error
	failDelete  error

	updates map[int][2]int64
	deleted []int
}

func newFakeAPI(domain string) *fakeAPI {
	return &fakeAPI{
		domain:   domain,
		inbounds: make(map[int]*xui.Inbound),
		reserved: make(map[int]struct{}),
		nextID:   1,
		updates:  make(map[int][2]int64),
	}
}

func (f *fakeAPI) ListInbounds(ctx context.Context) ([]xui.Inbound, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failList != nil {
		return nil, f.failList
	}
	out := make([]xui.Inbound, 0, len(f.inbounds))
	for _, in := range f.inbounds {
		out = append(out, *in)
	}
	return out, nil
}

func (f *fakeAPI) GetInbound(ctx context.Context, id int) (xui.Inbound, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.inbounds[id]
	if !ok {
		return xui.Inbound{}, xui.ErrInboundNotFound
	}
	return *in, nil
}

func (f *fakeAPI) CreateInbound(ctx context.Context, req xui.CreateRequest) (xui.Created, error) {
	if f.createDelay > 0 {
		time.Sleep(f.createDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate != nil {
		return xui.Created{}, f.failCreate
	}
	if _, ok := f.reserved[req.Port]; ok {
		return xui.Created{}, fmt.Errorf("port %d already in use", req.Port)
	}
	for _, in := range f.inbounds {
		if in.Port == req.Port {
			return xui.Created{}, fmt.Errorf("port %d already in use", req.Port)
		}
	}
	id := f.nextID
	f.nextID++
	f.inbounds[id] = &xui.Inbound{
		ID:         id,
		Remark:     req.Remark,
		Enable:     true,
		Port:       req.Port,
		Protocol:   string(req.Protocol),
		Total:      req.TotalBytes,
		ExpiryTime: req.ExpiryTime,
	}
	link := fmt.Sprintf("%s://%s@%s:%d#%s", req.Protocol, req.ClientID, f.domain, req.Port, req.Remark)
	return xui.Created{InboundID: id, Port: req.Port, Link: link}, nil
}

func (f *fakeAPI) UpdateInbound(ctx context.Context, id int, totalBytes, expiryTime int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdate != nil {
		return f.failUpdate
	}
	in, ok := f.inbounds[id]
	if !ok {
		return xui.ErrInboundNotFound
	}
	in.Total = totalBytes
	in.ExpiryTime = expiryTime
	f.updates[id] = [2]int64{totalBytes, expiryTime}
	return nil
}

func (f *fakeAPI) DisableInbound(ctx context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDisable != nil {
		return f.failDisable
	}
	in, ok := f.inbounds[id]
	if !ok {
		return xui.ErrInboundNotFound
	}
	in.Enable = false
	return nil
}

func (f *fakeAPI) DeleteInbound(ctx context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDelete != nil {
		return f.failDelete
	}
	delete(f.inbounds, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeAPI) UsedPorts(ctx context.Context) (map[int]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failList != nil {
		return nil, f.failList
	}
	out := make(map[int]struct{}, len(f.inbounds)+len(f.reserved))
	for p := range f.reserved {
		out[p] = struct{}{}
	}
	for _, in := range f.inbounds {
		out[in.Port] = struct{}{}
	}
	return out, nil
}

func (f *fakeAPI) OnlineClientCount(ctx context.Context) (int, error) { return 0, nil }

func (f *fakeAPI) AggregateTraffic(ctx context.Context) (xui.Traffic, error) {
	var t xui.Traffic
	inbounds, err := f.ListInbounds(ctx)
	for _, in := range inbounds {
		t.Up += in.Up
		t.Down += in.Down
	}
	return t, err
}

func (f *fakeAPI) setTraffic(id int, up, down int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbounds[id].Up = up
	f.inbounds[id].Down = down
}

func (f *fakeAPI) inbound(id int) xui.Inbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.inbounds[id]
}

func (f *fakeAPI) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inbounds)
}

// fakeConnector maps panel ids to fake panels.
type fakeConnector struct {
	mu        sync.Mutex
	apis      map[int64]*fakeAPI
	down      map[int64]bool
	forgotten []int64
}

func (c *fakeConnector) Connect(ctx context.Context, panel model.Panel) (xui.API, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down[panel.ID] {
		return nil, &xui.LoginError{URL: panel.URL, Err: errFakeDown}
	}
	api, ok := c.apis[panel.ID]
	if !ok {
		return nil, fmt.Errorf("no fake for panel %d", panel.ID)
	}
	return api, nil
}

func (c *fakeConnector) Forget(panel model.Panel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgotten = append(c.forgotten, panel.ID)
}

func (c *fakeConnector) setDown(panelID int64, down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down[panelID] = down
}

type testEnv struct {
	repo *state.Repo
	subs *subscription.Writer
	conn *fakeConnector
	h    *Handlers
	now  time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := state.OpenDB(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := state.MigrateStateDB(db); err != nil {
		t.Fatalf("MigrateStateDB: %v", err)
	}
	subs, err := subscription.NewWriter(filepath.Join(t.TempDir(), "subs"))
	if err != nil {
		t.Fatal(err)
	}
	env := &testEnv{
		repo: state.NewRepo(db),
		subs: subs,
		conn: &fakeConnector{apis: make(map[int64]*fakeAPI), down: make(map[int64]bool)},
		now:  time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	env.h = New(env.repo, env.conn, subs, gate.NewKeyed[int64](), Options{
		BasePort:      DefaultBasePort,
		PublicBaseURL: "https://subs.example.com/",
		Now:           func() time.Time { return env.now },
	})
	return env
}

func (e *testEnv) addPanel(t *testing.T, name string) (*model.Panel, *fakeAPI) {
	t.Helper()
	p := &model.Panel{
		Name:         name,
		URL:          "https://" + name + ".example.com:2053",
		Username:     "admin",
		Password:     "pw",
		Domain:       name + ".example.com",
		RemarkPrefix: name,
	}
	if err := e.repo.CreatePanel(context.Background(), p); err != nil {
		t.Fatalf("CreatePanel: %v", err)
	}
	api := newFakeAPI(p.Domain)
	e.conn.mu.Lock()
	e.conn.apis[p.ID] = api
	e.conn.mu.Unlock()
	return p, api
}

func (e *testEnv) addService(t *testing.T, uuid, name string, proto model.Protocol, limitGB float64, end time.Time) *model.Service {
	t.Helper()
	s := &model.Service{
		UUID:        uuid,
		Name:        name,
		Protocol:    proto,
		StartAtNs:   e.now.Add(-24 * time.Hour).UnixNano(),
		EndAtNs:     end.UnixNano(),
		DataLimitGB: limitGB,
		CreatedBy:   "test",
	}
	if err := e.repo.CreateService(context.Background(), s); err != nil {
		t.Fatalf("CreateService: %v", err)
	}
	return s
}

func (e *testEnv) service(t *testing.T, uuid string) *model.Service {
	t.Helper()
	s, err := e.repo.GetServiceByUUID(context.Background(), uuid)
	if err != nil {
		t.Fatalf("GetServiceByUUID %s: %v", uuid, err)
	}
	return s
}

func (e *testEnv) configs(t *testing.T, serviceID int64) []model.PanelConfig {
	t.Helper()
	cs, err := e.repo.ListConfigsByService(context.Background(), serviceID)
	if err != nil {
		t.Fatal(err)
	}
	return cs
}

func (e *testEnv) links(t *testing.T, uuid string) []string {
	t.Helper()
	links, err := e.subs.Read(uuid)
	if err != nil {
		t.Fatalf("read subscription %s: %v", uuid, err)
	}
	return links
}
