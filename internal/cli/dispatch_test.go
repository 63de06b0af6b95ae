package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Extra-Chill/apc/internal/alias"
	"github.com/Extra-Chill/apc/internal/config"
	"github.com/Extra-Chill/apc/internal/device"
	"github.com/Extra-Chill/apc/internal/journal"
)

const testConfig = `hostname: pdu.example.net
user: apc
password: secret
last_port: 0
description: rack A
aliases:
  - port: 1
    name: router
    description: core router
  - port: 3
    name: nas
`

type mockDriver struct {
	mock.Mock
}

func (m *mockDriver) Switch(ctx context.Context, port int, action device.Action) error {
	return m.Called(port, action).Error(0)
}

func (m *mockDriver) Status(ctx context.Context) ([]device.Outlet, error) {
	args := m.Called()
	outlets, _ := args.Get(0).([]device.Outlet)
	return outlets, args.Error(1)
}

func (m *mockDriver) Close() error {
	return m.Called().Error(0)
}

type testEnv struct {
	*Env
	out    *bytes.Buffer
	errOut *bytes.Buffer
	dials  []DialParams
}

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))
	return path
}

func newTestEnv(t *testing.T, data string, driver device.Driver) *testEnv {
	t.Helper()
	path := writeConfig(t, data)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	te := &testEnv{out: &bytes.Buffer{}, errOut: &bytes.Buffer{}}
	te.Env = &Env{
		Config:     cfg,
		ConfigPath: path,
		Out:        te.out,
		Err:        te.errOut,
		Journal:    journal.NewStore(filepath.Join(filepath.Dir(path), "history.jsonl"), 0),
		Dial: func(ctx context.Context, p DialParams) (device.Driver, error) {
			te.dials = append(te.dials, p)
			if driver == nil {
				return nil, errors.New("connection refused")
			}
			return driver, nil
		},
	}
	return te
}

func reload(t *testing.T, path string) *config.Config {
	t.Helper()
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestDispatch_NilCommand(t *testing.T) {
	code, err := Dispatch(context.Background(), nil, nil)
	assert.Equal(t, ExitUsage, code)
	assert.ErrorIs(t, err, ErrNoCommand)
	assert.Equal(t, ExitUsage, exitCode(err))
}

func TestResolveTarget(t *testing.T) {
	cfg, err := config.LoadFromBytes([]byte(testConfig))
	require.NoError(t, err)

	port, err := resolveTarget(cfg, "4")
	require.NoError(t, err)
	assert.Equal(t, 4, port)

	port, err = resolveTarget(cfg, "nas")
	require.NoError(t, err)
	assert.Equal(t, 3, port)

	for _, target := range []string{"", "0", "-2", "switch"} {
		_, err := resolveTarget(cfg, target)
		assert.Error(t, err, "target %q", target)
		assert.Equal(t, ExitUsage, exitCode(err), "target %q", target)
	}

	cfg.LastPort = 5
	port, err = resolveTarget(cfg, "")
	require.NoError(t, err)
	assert.Equal(t, 5, port)
}

func TestDispatch_SwitchPort(t *testing.T) {
	driver := &mockDriver{}
	driver.On("Switch", 3, device.ActionOff).Return(nil).Once()
	driver.On("Status").Return([]device.Outlet{
		{Port: 1, Name: "Outlet 1", State: device.StateOn},
		{Port: 3, Name: "Outlet 3", State: device.StateOff},
	}, nil).Once()
	driver.On("Close").Return(nil).Once()
	te := newTestEnv(t, testConfig, driver)

	code, err := Dispatch(context.Background(), Off{Target: "nas"}, te.Env)
	require.NoError(t, err)
	assert.Equal(t, ExitOK, code)
	assert.Equal(t, "Port 3 (nas): Off\n", te.out.String())
	driver.AssertExpectations(t)

	require.Len(t, te.dials, 1)
	assert.Equal(t, "secret", te.dials[0].Password)
	assert.Equal(t, config.DefaultTimeout, te.dials[0].Timeout)

	assert.Equal(t, 3, reload(t, te.ConfigPath).LastPort)

	events, err := te.Journal.Tail(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "pdu.example.net", events[0].Host)
	assert.Equal(t, 3, events[0].Port)
	assert.Equal(t, "nas", events[0].Alias)
	assert.Equal(t, "off", events[0].Action)
	assert.Equal(t, journal.ResultOK, events[0].Result)
}

func TestDispatch_SwitchPortFailureKeepsLastPort(t *testing.T) {
	driver := &mockDriver{}
	driver.On("Switch", 1, device.ActionReset).Return(errors.New("E102: Parameter Error")).Once()
	driver.On("Close").Return(nil).Once()
	te := newTestEnv(t, testConfig, driver)
	before, err := os.ReadFile(te.ConfigPath)
	require.NoError(t, err)

	code, err := Dispatch(context.Background(), Reset{Target: "1"}, te.Env)
	assert.Equal(t, ExitDevice, code)
	var devErr *device.Error
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, 1, devErr.Port)
	assert.Equal(t, device.ActionReset, devErr.Action)
	driver.AssertExpectations(t)

	after, err := os.ReadFile(te.ConfigPath)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))

	events, err := te.Journal.Tail(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, journal.ResultError, events[0].Result)
	assert.Equal(t, "E102: Parameter Error", events[0].Error)
}

func TestDispatch_SwitchPortStatusUnavailable(t *testing.T) {
	driver := &mockDriver{}
	driver.On("Switch", 1, device.ActionOn).Return(nil).Once()
	driver.On("Status").Return(nil, errors.New("timeout"))
	driver.On("Close").Return(nil).Once()
	te := newTestEnv(t, testConfig, driver)

	code, err := Dispatch(context.Background(), On{Target: "router"}, te.Env)
	require.NoError(t, err)
	assert.Equal(t, ExitOK, code)
	assert.Contains(t, te.errOut.String(), "status is unavailable")
	assert.Equal(t, 1, reload(t, te.ConfigPath).LastPort)
}

func TestDispatch_TimeoutOverride(t *testing.T) {
	driver := &mockDriver{}
	driver.On("Switch", 1, device.ActionOn).Return(nil).Once()
	driver.On("Status").Return([]device.Outlet{{Port: 1, State: device.StateOn}}, nil).Once()
	driver.On("Close").Return(nil).Once()
	te := newTestEnv(t, testConfig, driver)
	te.Timeout = 3 * time.Second

	_, err := Dispatch(context.Background(), On{Target: "1"}, te.Env)
	require.NoError(t, err)
	require.Len(t, te.dials, 1)
	assert.Equal(t, te.Timeout, te.dials[0].Timeout)

	// The override is never persisted.
	assert.Equal(t, config.DefaultTimeout, reload(t, te.ConfigPath).Timeout)
}

func TestDispatch_MissingPassword(t *testing.T) {
	data := `hostname: pdu.example.net
user: apc
last_port: 0
description: ""
aliases: []
`
	te := newTestEnv(t, data, &mockDriver{})

	code, err := Dispatch(context.Background(), On{Target: "1"}, te.Env)
	assert.Equal(t, ExitConfig, code)
	assert.ErrorIs(t, err, ErrMissingPassword)
	assert.Empty(t, te.dials)
}

func TestDispatch_UnsetPasswordVariable(t *testing.T) {
	t.Setenv("APC_TEST_UNSET_PASSWORD", "")
	data := `hostname: pdu.example.net
user: apc
password: ${APC_TEST_UNSET_PASSWORD}
last_port: 0
description: ""
aliases: []
`
	te := newTestEnv(t, data, &mockDriver{})

	code, err := Dispatch(context.Background(), On{Target: "1"}, te.Env)
	assert.Equal(t, ExitConfig, code)
	assert.ErrorIs(t, err, ErrMissingPassword)
	assert.Empty(t, te.dials)

	driver := &mockDriver{}
	driver.On("Switch", 1, device.ActionOn).Return(nil).Once()
	driver.On("Status").Return([]device.Outlet{{Port: 1, State: device.StateOn}}, nil).Once()
	driver.On("Close").Return(nil).Once()
	te = newTestEnv(t, data, driver)
	te.Prompt = func(string) (string, error) { return "typed", nil }

	code, err = Dispatch(context.Background(), On{Target: "1"}, te.Env)
	require.NoError(t, err)
	assert.Equal(t, ExitOK, code)
	require.Len(t, te.dials, 1)
	assert.Equal(t, "typed", te.dials[0].Password)
}

func TestDispatch_UnsetCommunityVariable(t *testing.T) {
	t.Setenv("APC_TEST_UNSET_COMMUNITY", "")
	data := `hostname: pdu.example.net
user: apc
protocol: snmp
community: ${APC_TEST_UNSET_COMMUNITY}
last_port: 0
description: ""
aliases: []
`
	te := newTestEnv(t, data, &mockDriver{})

	code, err := Dispatch(context.Background(), List{}, te.Env)
	assert.Equal(t, ExitConfig, code)
	assert.ErrorIs(t, err, config.ErrInvalid)
	assert.Contains(t, err.Error(), "community is required")
	assert.Empty(t, te.dials)
}

func TestDispatch_PromptedPassword(t *testing.T) {
	data := `hostname: pdu.example.net
user: apc
last_port: 2
description: ""
aliases: []
`
	driver := &mockDriver{}
	driver.On("Switch", 2, device.ActionOn).Return(nil).Once()
	driver.On("Status").Return([]device.Outlet{{Port: 2, Name: "Outlet 2", State: device.StateOn}}, nil).Once()
	driver.On("Close").Return(nil).Once()
	te := newTestEnv(t, data, driver)
	var prompted string
	te.Prompt = func(prompt string) (string, error) {
		prompted = prompt
		return "typed", nil
	}

	code, err := Dispatch(context.Background(), On{}, te.Env)
	require.NoError(t, err)
	assert.Equal(t, ExitOK, code)
	assert.Equal(t, "apc@pdu.example.net's password: ", prompted)
	require.Len(t, te.dials, 1)
	assert.Equal(t, "typed", te.dials[0].Password)
	assert.Equal(t, "Port 2 (Outlet 2): On\n", te.out.String())

	// A prompted password is never written to the file.
	assert.Empty(t, reload(t, te.ConfigPath).Password)
}

func TestDispatch_DialFailure(t *testing.T) {
	te := newTestEnv(t, testConfig, nil)

	code, err := Dispatch(context.Background(), List{}, te.Env)
	assert.Equal(t, ExitDevice, code)
	var devErr *device.Error
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, device.ActionConnect, devErr.Action)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestDispatch_List(t *testing.T) {
	driver := &mockDriver{}
	driver.On("Status").Return([]device.Outlet{
		{Port: 1, Name: "Outlet 1", State: device.StateOn},
		{Port: 2, Name: "Spare", State: device.StateOff},
	}, nil).Once()
	driver.On("Close").Return(nil).Once()
	te := newTestEnv(t, testConfig, driver)

	code, err := Dispatch(context.Background(), List{}, te.Env)
	require.NoError(t, err)
	assert.Equal(t, ExitOK, code)

	out := te.out.String()
	assert.Contains(t, out, "PORT")
	assert.Regexp(t, `1\s+On\s+router\s+core router`, out)
	assert.Regexp(t, `2\s+Off\s+Spare`, out)
	driver.AssertExpectations(t)
}

func TestDispatch_AliasCommands(t *testing.T) {
	te := newTestEnv(t, testConfig, nil)
	ctx := context.Background()

	code, err := Dispatch(ctx, SetAlias{Name: "gateway", Num: 1}, te.Env)
	require.NoError(t, err)
	assert.Equal(t, ExitOK, code)

	cfg := reload(t, te.ConfigPath)
	a, ok := cfg.Aliases.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, "gateway", a.Name)
	assert.Equal(t, "core router", a.Description)
	assert.Equal(t, -1, cfg.Aliases.Num("router"))

	code, err = Dispatch(ctx, SetAlias{Name: "nas", Num: 5}, te.Env)
	assert.Equal(t, ExitUsage, code)
	assert.Error(t, err)

	// A numeric name could never be used as a target.
	code, err = Dispatch(ctx, SetAlias{Name: "42", Num: 5}, te.Env)
	assert.Equal(t, ExitUsage, code)
	assert.ErrorIs(t, err, alias.ErrNumericName)
	assert.Equal(t, -1, reload(t, te.ConfigPath).Aliases.Num("42"))

	code, err = Dispatch(ctx, RemoveAlias{Name: "nas"}, te.Env)
	require.NoError(t, err)
	assert.Equal(t, ExitOK, code)
	assert.Equal(t, "Unknown", reload(t, te.ConfigPath).Aliases.Name(3))

	before, err := os.ReadFile(te.ConfigPath)
	require.NoError(t, err)
	te.out.Reset()
	code, err = Dispatch(ctx, RemoveAlias{Name: "nas"}, te.Env)
	require.NoError(t, err)
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, te.out.String(), `No alias named "nas"`)
	after, err := os.ReadFile(te.ConfigPath)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))

	te.out.Reset()
	code, err = Dispatch(ctx, ListAliases{}, te.Env)
	require.NoError(t, err)
	assert.Equal(t, ExitOK, code)
	assert.Regexp(t, `1\s+gateway\s+core router`, te.out.String())
	assert.Empty(t, te.dials)
}

func TestDispatch_SetHost(t *testing.T) {
	te := newTestEnv(t, testConfig, nil)

	code, err := Dispatch(context.Background(), SetHost{Hostname: "pdu2.example.net"}, te.Env)
	require.NoError(t, err)
	assert.Equal(t, ExitOK, code)
	assert.Equal(t, "pdu2.example.net", reload(t, te.ConfigPath).Hostname)

	code, err = Dispatch(context.Background(), SetHost{}, te.Env)
	assert.Equal(t, ExitUsage, code)
	assert.Error(t, err)
}

func TestDispatch_History(t *testing.T) {
	te := newTestEnv(t, testConfig, nil)
	ctx := context.Background()

	code, err := Dispatch(ctx, History{Limit: 5}, te.Env)
	require.NoError(t, err)
	assert.Equal(t, ExitOK, code)
	assert.Equal(t, "No actions recorded.\n", te.out.String())

	logger := journal.NewLogger(te.Journal, "pdu.example.net")
	require.NoError(t, logger.LogAction(1, "router", "on", nil))
	require.NoError(t, logger.LogAction(3, "nas", "off", errors.New("E102: Parameter Error")))
	require.NoError(t, logger.LogAction(1, "router", "reset", nil))

	te.out.Reset()
	code, err = Dispatch(ctx, History{Limit: 2}, te.Env)
	require.NoError(t, err)
	assert.Equal(t, ExitOK, code)
	out := te.out.String()
	assert.NotRegexp(t, `\son\s+ok`, out)
	assert.Contains(t, out, "error: E102: Parameter Error")
	assert.Regexp(t, `reset\s+ok`, out)

	code, err = Dispatch(ctx, History{Limit: 0}, te.Env)
	assert.Equal(t, ExitUsage, code)
	assert.Error(t, err)
}
