// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// Package client is the client side of an ACP session.
//
// A Session owns one transport channel. After the initialize handshake a
// single demultiplexer goroutine reads the channel and routes every
// message: terminal responses to the call waiting on their id, run chunks
// to the Run they belong to, and other notifications to observers.
//
//	sess, err := client.Connect(ctx, client.Config{URL: "http://localhost:8080/acp/sse"})
//	if err != nil {
//		return err
//	}
//	defer sess.Close()
//
//	run, err := sess.RunAgent(ctx, "echo", map[string]string{"text": "hi there"})
//	if err != nil {
//		return err
//	}
//	for chunk := range run.Chunks() {
//		fmt.Println(string(chunk.Output))
//	}
//	out, err := run.Wait(ctx)
//
// Every call resolves exactly once: with its result, with a typed
// *protocol.Error, or with ErrSessionClosed when the session ends first.
package client
