package classify_test

import (
	"testing"

	"github.com/rwsplit/rwsplit/internal/classify"
	"github.com/stretchr/testify/require"
)

func TestComQuerySQLType(t *testing.T) {
	cases := map[string]classify.SQLType{
		"SELECT * FROM t":                classify.TypeSelect,
		"  /* hint */ insert into t...":  classify.TypeInsert,
		"-- comment\nUPDATE t SET a=1":   classify.TypeUpdate,
		"DELETE FROM t":                  classify.TypeDelete,
		"REPLACE INTO t VALUES (1)":      classify.TypeReplace,
		"BEGIN":                          classify.TypeBegin,
		"START TRANSACTION":              classify.TypeBegin,
		"COMMIT":                         classify.TypeCommit,
		"ROLLBACK":                       classify.TypeRollback,
		"SET autocommit=0":               classify.TypeSet,
		"USE mydb":                       classify.TypeUse,
		"CALL proc1()":                   classify.TypeCall,
		"":                               classify.TypeOther,
		";":                              classify.TypeOther,
	}
	for query, want := range cases {
		require.Equal(t, want, classify.ComQuerySQLType([]byte(query)), query)
	}
}

func TestIsWrite(t *testing.T) {
	require.True(t, classify.TypeInsert.IsWrite())
	require.True(t, classify.TypeUpdate.IsWrite())
	require.False(t, classify.TypeSelect.IsWrite())
	require.False(t, classify.TypeBegin.IsWrite())
}

func TestHasMultipleStatements(t *testing.T) {
	require.False(t, classify.HasMultipleStatements([]byte("SELECT 1")))
	require.False(t, classify.HasMultipleStatements([]byte("SELECT 1;")))
	require.True(t, classify.HasMultipleStatements([]byte("SELECT 1; SELECT 2")))
}
