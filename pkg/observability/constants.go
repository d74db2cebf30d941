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

package observability

const (
	AttrSessionID    = "acp.session.id"
	AttrRequestID    = "acp.request.id"
	AttrMethod       = "acp.method"
	AttrAgentName    = "acp.agent.name"
	AttrMessageKind  = "acp.message.kind"
	AttrRunStatus    = "acp.run.status"
	AttrErrorCode    = "acp.error.code"
	AttrErrorType    = "error.type"
	AttrHTTPMethod   = "http.method"
	AttrHTTPPath     = "http.path"
	AttrHTTPStatus   = "http.status_code"
	AttrMetricAgent  = "agent"
	AttrMetricStatus = "status"
	AttrMetricMethod = "method"

	SpanRequestReceive = "acp.request.receive"
	SpanHandlerInvoke  = "acp.handler.invoke"
	SpanResponseSend   = "acp.response.send"
	SpanHTTPRequest    = "http.request"

	DefaultServiceName  = "acp"
	DefaultOTLPEndpoint = "localhost:4317"
	DefaultSamplingRate = 1.0
	DefaultMetricsPath  = "/metrics"
	DefaultNamespace    = "acp"
)

// Run statuses recorded on runs_total.
const (
	StatusOK        = "ok"
	StatusError     = "error"
	StatusCancelled = "cancelled"
	StatusInvalid   = "invalid"
)
