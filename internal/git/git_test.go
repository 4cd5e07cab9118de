package git

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseNameStatus(t *testing.T) {
	out := []byte("M\tdb/leads.sql\nA\tapi/routes.py\nR087\tdb/old.sql\tdb/new.sql\nD\tgone.sql\n\nT\tlink.sql\n")

	assert.Equal(t, []ChangedFile{
		{Path: "db/leads.sql", Status: StatusModified},
		{Path: "api/routes.py", Status: StatusAdded},
		{Path: "db/new.sql", Status: StatusRenamed},
	}, parseNameStatus(out))
}

func TestParseNameStatus_Empty(t *testing.T) {
	assert.Empty(t, parseNameStatus(nil))
}
