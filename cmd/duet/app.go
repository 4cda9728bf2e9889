package main

import (
	"context"
	"time"

	"github.com/vango-dev/duet/pkg/peer"
)

// clockApp is the application served and joined by the CLI. Both sides
// agree on a starting roll, then the server streams its clock to every
// client once per interval until ticks events have been sent.
func clockApp(ticks int, interval time.Duration) peer.App {
	return func(dc *peer.Context) {
		log := dc.Logger().With("side", dc.Side().String())

		roll, err := dc.Determinism().Intn(6)
		if err != nil {
			log.Warn("roll failed", "error", err)
			return
		}
		log.Info("session started", "roll", roll+1)

		_, err = dc.ServerStream(peer.StreamHandler{
			Open: func(ctx context.Context, send peer.Sender) any {
				go func() {
					t := time.NewTicker(interval)
					defer t.Stop()
					for i := 0; i < ticks; i++ {
						select {
						case <-ctx.Done():
							return
						case now := <-t.C:
							if err := send.Send(now.UTC().Format(time.RFC3339)); err != nil {
								return
							}
						}
					}
					send.End()
				}()
				return nil
			},
			Event: func(dc *peer.Context, r peer.Result) {
				var now string
				if err := r.Decode(&now); err != nil {
					log.Warn("tick failed", "error", err)
					return
				}
				if now != "" {
					log.Info("tick", "time", now)
				}
			},
		})
		if err != nil {
			log.Warn("clock stream failed", "error", err)
		}
	}
}
