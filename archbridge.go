// Package archbridge lets a 64-bit host call operations that only exist in a
// 32-bit worker process as though they were local calls, using ZeroMQ and
// msgpack over a local IPC endpoint.
//
// # Architecture
//
// The library uses the ROUTER/DEALER socket pattern:
//   - Listener runs inside the worker and owns the ROUTER socket. It serves one
//     client session at a time and dispatches calls onto a handler value.
//   - Client runs inside the host and owns a DEALER socket. It discovers or
//     spawns the worker, keeps at most one live channel, and retries a call once
//     when the channel is lost underneath it.
//   - Supervisor locates the worker executable, starts it and terminates the
//     whole process tree when the client that started it is disposed.
//
// # Quick Start
//
// Worker (built for GOARCH=386):
//
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//	l := archbridge.NewListener(archbridge.ListenerConfig{}, archbridge.NewCalculatorService(cancel))
//	if err := l.Serve(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Host:
//
//	client := archbridge.NewClient(archbridge.ClientConfig{StartIfMissing: true})
//	defer client.Dispose(context.Background())
//
//	sum, err := client.Add(ctx, 2, 2)
//
// Further remote operations need no change to the channel or retry logic:
//
//	n, err := archbridge.CallAs[int64](ctx, client, "Factorial", 10)
package archbridge

// Version is the current library and wire protocol version
const Version = "1.2.0"

// MinWorkerVersion is the oldest worker protocol a client accepts
const MinWorkerVersion = "1.0.0"
