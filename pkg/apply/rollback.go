// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apply

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/dbpulse/dbpulse/pkg/gateway"
	"github.com/dbpulse/dbpulse/pkg/model"
)

// RollbackNone marks fixes whose forward operation needs no undo action
// (statistics refreshes, vacuum). The rollback executor treats it as a
// successful no-op.
const RollbackNone = "-- maintenance operation, no rollback action required"

var (
	reCreateIndex = regexp.MustCompile(`(?is)^\s*create\s+(?:unique\s+)?index\s+(?:concurrently\s+)?(?:if\s+not\s+exists\s+)?([a-zA-Z_][\w$"]*)\s+on\s+([a-zA-Z_][\w$".]*)`)
	reDropIndex   = regexp.MustCompile(`(?is)^\s*drop\s+index\s+(?:concurrently\s+)?(?:if\s+exists\s+)?([a-zA-Z_][\w$".]*)`)
)

// DeriveRollback produces the statement that undoes forwardSQL, reading
// the target's catalog where the inverse needs current state (dropping an
// index requires its definition before it is gone). An empty string with
// a nil error never happens: underivable rollbacks return ErrInput.
func DeriveRollback(ctx context.Context, a gateway.Adapter, engine model.Engine, fixType model.FixType, forwardSQL string) (string, error) {
	switch fixType {
	case model.FixIndexCreate:
		m := reCreateIndex.FindStringSubmatch(forwardSQL)
		if m == nil {
			return "", fmt.Errorf("%w: cannot locate index name in %q", model.ErrInput, forwardSQL)
		}
		return dropIndexStatement(engine, strings.Trim(m[1], `"`), strings.Trim(m[2], `"`)), nil

	case model.FixIndexDrop:
		m := reDropIndex.FindStringSubmatch(forwardSQL)
		if m == nil {
			return "", fmt.Errorf("%w: cannot locate index name in %q", model.ErrInput, forwardSQL)
		}
		name := strings.Trim(baseIdent(m[1]), `"`)
		// Snapshot the definition while the index still exists.
		infos, err := a.ListIndexes(ctx, "")
		if err != nil {
			return "", err
		}
		for _, info := range infos {
			if strings.EqualFold(info.Name, name) {
				return createIndexStatement(info), nil
			}
		}
		return "", fmt.Errorf("%w: index %q not found on target, rollback not derivable", model.ErrInput, name)

	case model.FixStatisticsUpdate, model.FixVacuum:
		return RollbackNone, nil

	case model.FixQueryRewriteRecord:
		// Nothing is executed on the target; reverting is deleting the record.
		return RollbackNone, nil

	case model.FixConfigChange:
		// Previous values are engine-global state we do not snapshot;
		// the caller must supply the inverse.
		return "", fmt.Errorf("%w: config changes require an explicit rollback statement", model.ErrInput)
	}
	return "", fmt.Errorf("%w: unknown fix type %q", model.ErrInput, fixType)
}

func dropIndexStatement(engine model.Engine, index, table string) string {
	switch engine {
	case model.EngineMySQL:
		return fmt.Sprintf("DROP INDEX %s ON %s", index, table)
	case model.EngineMSSQL:
		return fmt.Sprintf("DROP INDEX %s ON %s", index, table)
	default:
		return fmt.Sprintf("DROP INDEX %s", index)
	}
}

func createIndexStatement(info gateway.IndexInfo) string {
	unique := ""
	if info.Unique {
		unique = "UNIQUE "
	}
	return fmt.Sprintf("CREATE %sINDEX %s ON %s (%s)",
		unique, info.Name, info.Table, strings.Join(info.Columns, ", "))
}

func baseIdent(s string) string {
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		return s[i+1:]
	}
	return s
}
