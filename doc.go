// Package acp implements the Agent Communication Protocol: a JSON-RPC style
// protocol for discovering agents and running them over long-lived
// sessions, with streamed partial output and cooperative cancellation.
//
// # Quick Start
//
// Install the CLI:
//
//	go install github.com/kadirpekel/acp/cmd/acp@latest
//
// Serve the builtin agents:
//
//	acp serve --port 8080
//
// Call one from another terminal:
//
//	acp agents --url http://localhost:8080/acp/sse
//	acp run hello-world '{"text":"bob"}' --url http://localhost:8080/acp/sse
//
// # Using as Go Library
//
// Register agents on a server and expose it over HTTP:
//
//	srv := server.New()
//	desc, h := agent.Func("shout", "Upper-cases text", shout)
//	_ = srv.Registry().Register(desc, h)
//	hs := server.NewHTTPServer(&config.Default().Server, srv)
//	_ = hs.Start(ctx)
//
// Connect and run it:
//
//	sess, err := client.Connect(ctx, client.Config{URL: "http://localhost:8080/acp/sse"})
//	run, err := sess.RunAgent(ctx, "shout", map[string]string{"text": "hi"})
//	out, err := run.Wait(ctx)
//
// # Packages
//
//   - pkg/protocol: message model, codec and error codes
//   - pkg/transport: message channels over pipes, SSE and WebSocket
//   - pkg/agent: handlers and the agent registry
//   - pkg/server: invocation server and its HTTP surface
//   - pkg/client: client sessions and runs
//   - pkg/mcpbridge: agents as MCP tools
//   - pkg/config: YAML configuration from files, Consul, etcd or ZooKeeper
package acp
