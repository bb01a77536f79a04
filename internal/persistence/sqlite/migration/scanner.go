package migration

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strings"
)

//go:embed sql/*.sql
var sqliteFiles embed.FS

var fileNamePattern = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.sql$`)

// SQLiteFiles returns the migrations compiled into the binary for SQLite.
func SQLiteFiles() fs.FS {
	sub, err := fs.Sub(sqliteFiles, "sql")
	if err != nil {
		panic(fmt.Sprintf("migration: embedded files: %v", err))
	}
	return sub
}

// Scan reads every *.sql file at the root of fsys and returns the migrations
// ordered by version.
func Scan(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migration dir: %w", err)
	}

	seen := make(map[string]string, len(entries))
	migrations := make([]Migration, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}

		m, err := parseFile(fsys, entry.Name())
		if err != nil {
			return nil, err
		}
		if other, ok := seen[m.Version]; ok {
			return nil, &MigrationError{Version: m.Version, FilePath: entry.Name(), Operation: "scan", Err: fmt.Errorf("%w: also defined by %s", ErrDuplicateVersion, other)}
		}
		seen[m.Version] = entry.Name()
		migrations = append(migrations, m)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

func parseFile(fsys fs.FS, name string) (Migration, error) {
	match := fileNamePattern.FindStringSubmatch(name)
	if match == nil {
		return Migration{}, &MigrationError{FilePath: name, Operation: "validate file name", Err: ErrInvalidMigrationFile}
	}

	content, err := fs.ReadFile(fsys, name)
	if err != nil {
		return Migration{}, &MigrationError{Version: match[1], FilePath: name, Operation: "read", Err: err}
	}
	if strings.TrimSpace(string(content)) == "" {
		return Migration{}, &MigrationError{Version: match[1], FilePath: name, Operation: "read", Err: fmt.Errorf("%w: empty file", ErrInvalidMigrationFile)}
	}

	sum := sha256.Sum256(content)
	return Migration{
		Version:     match[1],
		Description: strings.ReplaceAll(match[2], "_", " "),
		SQL:         string(content),
		FilePath:    name,
		Checksum:    hex.EncodeToString(sum[:]),
	}, nil
}

// SplitStatements splits a migration body on semicolons that end a line,
// dropping blank statements and full-line comments.
func SplitStatements(body string) []string {
	var (
		statements []string
		current    strings.Builder
	)
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			if stmt := strings.TrimSpace(current.String()); stmt != ";" {
				statements = append(statements, stmt)
			}
			current.Reset()
		}
	}
	if rest := strings.TrimSpace(current.String()); rest != "" {
		statements = append(statements, rest)
	}
	return statements
}
