// Package classify determines the SQL type of a COM_QUERY statement and
// whether a command mutates backend session state, mirroring tiproxy's
// pkg/proxy/backend sql_type.go keyword scanner.
package classify

import (
	"bytes"
	"strings"
)

type SQLType string

const (
	TypeSelect   SQLType = "select"
	TypeInsert   SQLType = "insert"
	TypeUpdate   SQLType = "update"
	TypeDelete   SQLType = "delete"
	TypeReplace  SQLType = "replace"
	TypeBegin    SQLType = "begin"
	TypeCommit   SQLType = "commit"
	TypeRollback SQLType = "rollback"
	TypeSet      SQLType = "set"
	TypeUse      SQLType = "use"
	TypeCall     SQLType = "call"
	TypeCreate   SQLType = "create"
	TypeAlter    SQLType = "alter"
	TypeDrop     SQLType = "drop"
	TypeTruncate SQLType = "truncate"
	TypeOther    SQLType = "other"
)

// IsWrite reports whether statements of this type must be routed to the
// primary (master) connection.
func (t SQLType) IsWrite() bool {
	switch t {
	case TypeInsert, TypeUpdate, TypeDelete, TypeReplace,
		TypeCreate, TypeAlter, TypeDrop, TypeTruncate:
		return true
	default:
		return false
	}
}

// IsDDL reports whether this type enters "locked to master" per the
// GLOSSARY's "certain DDL, temporary tables, or user variables" rule.
func (t SQLType) IsDDL() bool {
	switch t {
	case TypeCreate, TypeAlter, TypeDrop, TypeTruncate:
		return true
	default:
		return false
	}
}

// ComQuerySQLType classifies a COM_QUERY payload's leading keyword, skipping
// whitespace and both comment styles first.
func ComQuerySQLType(query []byte) SQLType {
	pos := skipLeadingSQLTokens(query, 0, true)
	if pos >= len(query) {
		return TypeOther
	}
	first, pos := readSQLKeyword(query, pos)
	if first == "" {
		return TypeOther
	}
	switch first {
	case string(TypeSelect):
		return TypeSelect
	case string(TypeInsert):
		return TypeInsert
	case string(TypeUpdate):
		return TypeUpdate
	case string(TypeDelete):
		return TypeDelete
	case string(TypeReplace):
		return TypeReplace
	case string(TypeBegin):
		return TypeBegin
	case string(TypeCommit):
		return TypeCommit
	case string(TypeRollback):
		return TypeRollback
	case string(TypeSet):
		return TypeSet
	case string(TypeUse):
		return TypeUse
	case string(TypeCall):
		return TypeCall
	case string(TypeCreate):
		return TypeCreate
	case string(TypeAlter):
		return TypeAlter
	case string(TypeDrop):
		return TypeDrop
	case string(TypeTruncate):
		return TypeTruncate
	case "start":
		second, _ := readSQLKeyword(query, skipLeadingSQLTokens(query, pos, false))
		if second == "transaction" {
			return TypeBegin
		}
	}
	return TypeOther
}

func skipLeadingSQLTokens(query []byte, pos int, skipSemicolon bool) int {
	for pos < len(query) {
		switch query[pos] {
		case ' ', '\t', '\n', '\r':
			pos++
		case ';':
			if !skipSemicolon {
				return pos
			}
			pos++
		case '#':
			pos = skipLineComment(query, pos+1)
		default:
			if pos+1 < len(query) && query[pos] == '-' && query[pos+1] == '-' {
				pos = skipLineComment(query, pos+2)
				continue
			}
			if pos+1 < len(query) && query[pos] == '/' && query[pos+1] == '*' {
				end := bytes.Index(query[pos+2:], []byte("*/"))
				if end < 0 {
					return len(query)
				}
				pos += end + 4
				continue
			}
			return pos
		}
	}
	return pos
}

func skipLineComment(query []byte, pos int) int {
	for pos < len(query) && query[pos] != '\n' {
		pos++
	}
	return pos
}

func readSQLKeyword(query []byte, pos int) (string, int) {
	start := pos
	for pos < len(query) {
		ch := query[pos]
		if (ch < 'a' || ch > 'z') && (ch < 'A' || ch > 'Z') {
			break
		}
		pos++
	}
	if pos == start {
		return "", pos
	}
	return strings.ToLower(string(query[start:pos])), pos
}

// HasUserVariable reports whether query references a user-defined variable
// (`@name`, as opposed to a system variable `@@name`). Grounds the GLOSSARY's
// "locked to master" trigger list: the router session locks itself to the
// primary for the rest of its life when a statement other than SET both
// references a user variable and contains a `:=` assignment. SET is broadcast
// to every backend and plain reads such as `SELECT @x` do not lock.
func HasUserVariable(query []byte) bool {
	for i := 0; i < len(query); i++ {
		if query[i] != '@' {
			continue
		}
		if i+1 < len(query) && query[i+1] == '@' {
			i++
			continue
		}
		return true
	}
	return false
}

// HasTemporaryTable reports whether query creates a temporary table, another
// "locked to master" trigger: a temporary table only exists on the
// connection that created it, so every later reference must reuse that same
// backend.
func HasTemporaryTable(query []byte) bool {
	return containsFoldASCII(query, []byte("temporary table"))
}

func containsFoldASCII(haystack, needle []byte) bool {
	if len(needle) == 0 || len(haystack) < len(needle) {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			c := haystack[i+j]
			if 'A' <= c && c <= 'Z' {
				c += 'a' - 'A'
			}
			if c != needle[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// HasMultipleStatements reports whether query contains more than one
// semicolon-separated statement, ignoring a single trailing semicolon.
// Used to decide multi-statement pinning per SPEC_FULL.md §4.4.
func HasMultipleStatements(query []byte) bool {
	trimmed := bytes.TrimRight(query, "; \t\r\n")
	return bytes.ContainsRune(trimmed, ';')
}
