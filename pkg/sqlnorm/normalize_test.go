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

package sqlnorm

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		doc  string
		in   string
		want string
	}{
		{
			doc:  "literals become placeholders",
			in:   `SELECT * FROM users WHERE email = 'a@b.c' AND age > 30`,
			want: `select * from users where email = ? and age > ?`,
		},
		{
			doc:  "comments stripped and whitespace collapsed",
			in:   "SELECT id /* pick id */\n  FROM orders -- trailing\n WHERE x=1",
			want: `select id from orders where x=?`,
		},
		{
			doc:  "value lists collapse",
			in:   `SELECT id FROM t WHERE status IN (1, 2, 3, 4)`,
			want: `select id from t where status in (?)`,
		},
		{
			doc:  "parameter markers unify",
			in:   `SELECT id FROM t WHERE a = $1 AND b = :name AND c = ?`,
			want: `select id from t where a = ? and b = ? and c = ?`,
		},
		{
			doc:  "quoted identifiers keep case",
			in:   `SELECT "UserName" FROM Accounts`,
			want: `select "UserName" from accounts`,
		},
	}
	for _, c := range cases {
		t.Run(c.doc, func(t *testing.T) {
			got := Normalize(c.in)
			if diff := cmp.Diff(c.want, got); diff != "" {
				t.Errorf("Normalize mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		`SELECT * FROM users WHERE email = 'a@b.c'`,
		`SELECT id FROM t WHERE status IN (1,2,3) OR flag = TRUE`,
		`INSERT INTO t (a, b) VALUES (1, 'x'), (2, 'y')`,
	}
	for _, in := range inputs {
		once := Normalize(in)
		require.Equal(t, once, Normalize(once), "normalize not idempotent for %q", in)
	}
}

func TestFingerprintStability(t *testing.T) {
	a := Fingerprint(`SELECT id FROM users WHERE email = 'x@y.z'`)
	b := Fingerprint("select   id\nfrom users -- c\nwhere email='other'")
	require.Equal(t, a, b, "whitespace, comment and literal changes must not move the fingerprint")
	require.Len(t, a, FingerprintLen)

	c := Fingerprint(`SELECT id FROM accounts WHERE email = 'x@y.z'`)
	require.NotEqual(t, a, c, "different tables must fingerprint differently")
}

func TestSignatureSharedAcrossTables(t *testing.T) {
	a := Signature(`SELECT id FROM users WHERE email = 'x'`)
	b := Signature(`SELECT pk FROM accounts WHERE login = 'y'`)
	require.Equal(t, a, b, "same clause shape over different tables must share a signature")

	c := Signature(`SELECT id FROM users WHERE email = 'x' ORDER BY id`)
	require.NotEqual(t, a, c)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{`SELECT 1`, StmtSelect},
		{`WITH x AS (SELECT 1) SELECT * FROM x`, StmtSelect},
		{`INSERT INTO t VALUES (1)`, StmtInsert},
		{`UPDATE t SET a=1`, StmtUpdate},
		{`DELETE FROM t`, StmtDelete},
		{`CREATE INDEX i ON t(a)`, StmtDDL},
		{`GRANT ALL ON t TO u`, StmtOther},
	}
	for _, c := range cases {
		require.Equal(t, c.want, Classify(c.in), "Classify(%q)", c.in)
	}
}

func TestTables(t *testing.T) {
	got := Tables(`SELECT u.id FROM users u JOIN orders o ON o.user_id = u.id LEFT JOIN items ON items.order_id = o.id`)
	require.Equal(t, []string{"users", "orders", "items"}, got)
}

func TestSplitStatements(t *testing.T) {
	got := SplitStatements(`DROP TABLE users; CREATE INDEX idx ON t(a); -- end`)
	require.Len(t, got, 2)
	require.Contains(t, got[0], "DROP TABLE")

	got = SplitStatements(`SELECT 'a;b' FROM t`)
	require.Len(t, got, 1)
}
