package executors

import (
	"context"
	"time"

	logger "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"tradelink/src/connectors"
	"tradelink/src/controller"
	"tradelink/src/events"
	"tradelink/src/ledger"
	"tradelink/src/mapper"
	"tradelink/src/recovery"
	"tradelink/src/repository"
	"tradelink/src/scope"
	"tradelink/src/security"
	"tradelink/src/server"
	"tradelink/src/statefile"
)

// StartLoop wires the whole pipeline together and supervises it: the session
// connector, the dispatcher loop and the status server run as one errgroup,
// so any of them failing tears the process down cleanly.
func StartLoop(ctx context.Context) error {
	config := GetConfig()

	bus := events.NewDispatcher()
	defer bus.Close()

	store, err := statefile.NewStore(config.StateDir)
	if err != nil {
		logger.WithError(err).Error("Failed to open state directory")
		return err
	}

	resolver := scope.NewResolver(scope.GetConfig(), store, bus)
	resolver.RestoreProvisional(time.Now().UTC())

	tradeRepo := repository.NewTradeRepository()
	positionRepo := repository.NewPositionRepository()

	calc := ledger.NewCalculator(tradeRepo, ledger.GetConfig())
	closer := controller.NewTradeCloser(positionRepo, tradeRepo, calc, bus, controller.GetConfig())
	manager := controller.NewPositionManager(positionRepo, closer, store, bus)
	normalizer := mapper.NewNormalizer()

	connCfg := connectors.GetConfig()
	if connCfg.Password != "" {
		// Credentials are stored AES-GCM-encrypted in the environment; a
		// value that fails to decrypt is taken as already plaintext for
		// local runs against the simbroker.
		if plain, err := security.DecryptString(connCfg.Password); err == nil {
			connCfg.Password = plain
		}
	}

	connector := connectors.NewStreamConnector(connCfg, bus)
	runner := recovery.NewRunner(connector, normalizer, manager, positionRepo, store)

	loop := NewLoop(connector.Frames(), normalizer, resolver, calc, manager, runner, bus)

	// The hook only enqueues; the recovery replay itself runs on the loop
	// goroutine so it cannot race live frames on the same scope.
	connector.SetOnActive(func(context.Context) error {
		current, provisional := resolver.Current()
		if current.IsZero() {
			logger.WithField("component", "executors").
				Info("No resolved scope yet, recovery deferred until first signal")
			return nil
		}
		if provisional {
			logger.WithFields(map[string]interface{}{
				"component": "executors",
				"scope":     current.String(),
			}).Info("Recovering under provisional scope")
		}
		loop.RequestRecovery(current)
		return nil
	})

	statusServer := server.New(server.GetConfig(), server.Deps{
		Connector: connector,
		Scopes:    resolver,
		Balances:  calc,
		Positions: positionRepo,
		Recovery:  runner,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return connector.Run(ctx) })
	g.Go(func() error { return loop.Run(ctx) })
	g.Go(func() error { return statusServer.Run(ctx) })

	err = g.Wait()
	if err != nil && err != context.Canceled {
		logger.WithError(err).Error("Pipeline stopped")
		return err
	}
	logger.Info("Pipeline stopped")
	return nil
}
