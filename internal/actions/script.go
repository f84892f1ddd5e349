// Copyright 2025 The Vigil Authors
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

package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/vigil-sh/vigil/internal/store"
	"github.com/vigil-sh/vigil/pkg/errors"
)

// defaultScriptTimeout bounds sandboxed script execution.
const defaultScriptTimeout = 5 * time.Second

// script executes inlined JavaScript against a snapshot of the run
// context. Only JavaScript is supported. The evaluator exposes no host
// capabilities: no filesystem, no network, no module loading — the
// script sees only the context value and returns a value. With sandbox
// set, execution is interrupted after the configured time limit.
func (p *Pipeline) script(ctx context.Context, action *store.Action, cfg map[string]any, runCtx map[string]any) (map[string]any, error) {
	source, _ := cfg["script"].(string)
	if source == "" {
		return nil, &errors.ValidationError{Field: "script", Message: "script action requires inline JavaScript"}
	}
	if lang, ok := cfg["language"].(string); ok && lang != "" && lang != "javascript" {
		return nil, &errors.ValidationError{
			Field:      "language",
			Message:    fmt.Sprintf("unsupported script language: %s", lang),
			Suggestion: "only javascript is supported",
		}
	}

	vm := goja.New()
	if err := vm.Set("context", runCtx); err != nil {
		return nil, errors.Wrap(err, "preparing script environment")
	}

	timeout := defaultScriptTimeout
	if ms, ok := cfg["timeout"].(float64); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	sandbox, _ := cfg["sandbox"].(bool)
	if sandbox {
		timer := time.AfterFunc(timeout, func() {
			vm.Interrupt("script time limit exceeded")
		})
		defer timer.Stop()
	}

	// Cancellation from the run deadline also interrupts the VM.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt("run cancelled")
		case <-stop:
		}
	}()

	value, err := vm.RunString(source)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, &errors.TimeoutError{Operation: "script", Duration: timeout}
		}
		return nil, errors.Wrap(err, "script failed")
	}

	exported := value.Export()
	if m, ok := exported.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"result": exported}, nil
}
