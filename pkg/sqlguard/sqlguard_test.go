package sqlguard

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheck(t *testing.T) {
	tests := []struct {
		name    string
		sql     string
		wantErr error
	}{
		{"select", `SELECT "gid" FROM "public"."parcels" WHERE "name" = $1 LIMIT $2`, nil},
		{"cte", `WITH t AS (SELECT 1 AS v) SELECT v FROM t`, nil},
		{"two statements", `SELECT 1; DROP TABLE x`, ErrMultipleStatements},
		{"delete", `DELETE FROM x`, ErrNotSelect},
		{"select into", `SELECT 1 INTO y`, ErrNotSelect},
		{"for update", `SELECT 1 FROM x FOR UPDATE`, ErrNotSelect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check(tt.sql)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("syntax error", func(t *testing.T) {
		assert.Error(t, Check(`SELECT FROM WHERE (`))
	})
}
