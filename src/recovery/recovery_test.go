package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradelink/src/events"
	"tradelink/src/mapper"
	"tradelink/src/model"
	"tradelink/src/protocol"
	"tradelink/src/statefile"
)

// fakePuller serves scripted response frames per request type code.
type fakePuller struct {
	responses map[int][]*protocol.RawFrame
	failType  int
	nextID    int
}

func (f *fakePuller) NextRequestID() int {
	f.nextID++
	return f.nextID
}

func (f *fakePuller) Request(_ context.Context, _ int, msg interface{}) ([]*protocol.RawFrame, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		return nil, err
	}
	if frame.Type == f.failType {
		return nil, errors.New("request failed")
	}
	return f.responses[frame.Type], nil
}

// fakeApplier records the order recovered state was applied in.
type fakeApplier struct {
	fills     []*events.OrderPayload
	positions []*events.PositionPayload
}

func (f *fakeApplier) ApplyFill(_ context.Context, _ model.Scope, fill *events.OrderPayload) error {
	f.fills = append(f.fills, fill)
	return nil
}

func (f *fakeApplier) ApplyPositionUpdate(_ context.Context, _ model.Scope, update *events.PositionPayload) error {
	f.positions = append(f.positions, update)
	return nil
}

// fakePositions is a one-slot in-memory position store.
type fakePositions struct {
	position *model.OpenPosition
}

func (f *fakePositions) GetOpenPosition(context.Context, model.Scope) (*model.OpenPosition, error) {
	if f.position == nil {
		return nil, nil
	}
	p := *f.position
	return &p, nil
}

func (f *fakePositions) SaveOpenPosition(_ context.Context, position *model.OpenPosition) error {
	p := *position
	f.position = &p
	return nil
}

func frame(t *testing.T, jsonText string) *protocol.RawFrame {
	t.Helper()
	f, err := protocol.DecodeFrame([]byte(jsonText))
	require.NoError(t, err)
	return f
}

func newRunner(t *testing.T, puller *fakePuller, positions *fakePositions) (*Runner, *fakeApplier, *statefile.Store) {
	t.Helper()
	store, err := statefile.NewStore(t.TempDir())
	require.NoError(t, err)
	applier := &fakeApplier{}
	return NewRunner(puller, mapper.NewNormalizer(), applier, positions, store), applier, store
}

func simScope() model.Scope {
	return model.Scope{Mode: model.ModeSim, Account: "Sim1"}
}

func TestRecoverRunsAllThreeSteps(t *testing.T) {
	puller := &fakePuller{responses: map[int][]*protocol.RawFrame{
		protocol.TypePositionsRequest: {
			frame(t, `{"Type":306,"TradeAccount":"Sim1","Symbol":"ESU6","Quantity":2,"AveragePrice":100}`),
		},
		protocol.TypeOpenOrdersRequest: {
			frame(t, `{"Type":301,"TradeAccount":"Sim1","Symbol":"ESU6","StopPrice":95,"OrderStatus":"WORKING"}`),
		},
		protocol.TypeHistoricalFillsRequest: {
			frame(t, `{"Type":304,"TradeAccount":"Sim1","Symbol":"ESU6","UniqueFillID":"f2","Quantity":1,"Price":101,"FillDateTime":2000}`),
			frame(t, `{"Type":304,"TradeAccount":"Sim1","Symbol":"ESU6","UniqueFillID":"f1","Quantity":1,"Price":100,"FillDateTime":1000,"IsFinalRecord":1}`),
		},
	}}
	positions := &fakePositions{position: &model.OpenPosition{
		Mode: model.ModeSim, Account: "Sim1", Symbol: "ESU6", Quantity: 2, EntryPrice: 100,
	}}

	runner, applier, store := newRunner(t, puller, positions)
	scope := simScope()

	require.False(t, runner.Recovered(scope))
	require.NoError(t, runner.Recover(context.Background(), scope))
	assert.True(t, runner.Recovered(scope))

	// Step 1 applied the snapshot.
	require.Len(t, applier.positions, 1)
	assert.Equal(t, 2.0, applier.positions[0].Quantity)

	// Step 2 relinked the stop.
	require.NotNil(t, positions.position.StopPrice)
	assert.Equal(t, 95.0, *positions.position.StopPrice)

	// Step 3 replayed fills sorted by fill time, not arrival order.
	require.Len(t, applier.fills, 2)
	assert.Equal(t, "f1", applier.fills[0].FillID)
	assert.Equal(t, "f2", applier.fills[1].FillID)

	// The watermark advanced to the newest replayed fill.
	state, err := store.LoadScopeState(scope)
	require.NoError(t, err)
	require.NotNil(t, state)
	require.NotNil(t, state.LastSeenFill)
	assert.Equal(t, time.Unix(2000, 0).UTC(), *state.LastSeenFill)
}

func TestRecoverFailedStepLeavesScopeNonAuthoritative(t *testing.T) {
	puller := &fakePuller{
		responses: map[int][]*protocol.RawFrame{},
		failType:  protocol.TypeOpenOrdersRequest,
	}
	runner, _, _ := newRunner(t, puller, &fakePositions{})
	scope := simScope()

	err := runner.Recover(context.Background(), scope)
	require.Error(t, err)
	assert.False(t, runner.Recovered(scope))
}

func TestRecoverUsesPersistedWatermark(t *testing.T) {
	puller := &fakePuller{responses: map[int][]*protocol.RawFrame{}}
	runner, _, store := newRunner(t, puller, &fakePositions{})
	scope := simScope()

	seen := time.Unix(5000, 0).UTC()
	require.NoError(t, store.SaveScopeState(scope, statefile.ScopeState{LastSeenFill: &seen}))

	require.NoError(t, runner.Recover(context.Background(), scope))

	// No fills came back, so the watermark must not move.
	state, err := store.LoadScopeState(scope)
	require.NoError(t, err)
	require.NotNil(t, state.LastSeenFill)
	assert.Equal(t, seen, *state.LastSeenFill)
}

func TestRecoverEmptyResponsesStillCompletes(t *testing.T) {
	puller := &fakePuller{responses: map[int][]*protocol.RawFrame{
		protocol.TypePositionsRequest: {
			frame(t, `{"Type":306,"NoneFound":1,"RequestID":1}`),
		},
	}}
	runner, applier, _ := newRunner(t, puller, &fakePositions{})
	scope := simScope()

	require.NoError(t, runner.Recover(context.Background(), scope))
	assert.True(t, runner.Recovered(scope))
	assert.Empty(t, applier.positions)
	assert.Empty(t, applier.fills)
}

func TestInvalidateDropsAuthority(t *testing.T) {
	puller := &fakePuller{responses: map[int][]*protocol.RawFrame{}}
	runner, _, _ := newRunner(t, puller, &fakePositions{})
	scope := simScope()

	require.NoError(t, runner.Recover(context.Background(), scope))
	require.True(t, runner.Recovered(scope))

	runner.Invalidate(scope)
	assert.False(t, runner.Recovered(scope))
}
