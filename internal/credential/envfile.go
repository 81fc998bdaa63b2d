package credential

import (
	"bufio"
	"bytes"
	"errors"
	"io/fs"
	"os"
	"strings"
)

// envLine is one line of a key=value file. Lines that are blank, comments
// or lack a key keep only raw so a rewrite preserves them.
type envLine struct {
	raw   string
	key   string
	value string
}

// envFile is an ordered, comment-preserving view of a key=value file.
type envFile struct {
	lines []envLine
}

func readEnvFile(path string) (*envFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &envFile{}, nil
	}
	if err != nil {
		return nil, err
	}
	return parseEnvFile(data), nil
}

func parseEnvFile(data []byte) *envFile {
	f := &envFile{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		raw := scanner.Text()
		l := envLine{raw: raw}
		line := strings.TrimSpace(raw)
		if line != "" && !strings.HasPrefix(line, "#") {
			if eq := strings.Index(line, "="); eq > 0 {
				l.key = strings.TrimSpace(line[:eq])
				l.value = strings.TrimSpace(line[eq+1:])
			}
		}
		f.lines = append(f.lines, l)
	}
	return f
}

// Get returns the last value assigned to key.
func (f *envFile) Get(key string) (string, bool) {
	val, found := "", false
	for _, l := range f.lines {
		if l.key == key {
			val, found = l.value, true
		}
	}
	return val, found
}

// Set replaces every assignment of key, or appends one.
func (f *envFile) Set(key, value string) {
	replaced := false
	for i := range f.lines {
		if f.lines[i].key == key {
			f.lines[i] = envLine{raw: key + "=" + value, key: key, value: value}
			replaced = true
		}
	}
	if !replaced {
		f.lines = append(f.lines, envLine{raw: key + "=" + value, key: key, value: value})
	}
}

// Keys returns assigned keys in file order, without duplicates.
func (f *envFile) Keys() []string {
	seen := map[string]bool{}
	var keys []string
	for _, l := range f.lines {
		if l.key != "" && !seen[l.key] {
			seen[l.key] = true
			keys = append(keys, l.key)
		}
	}
	return keys
}

func (f *envFile) Bytes() []byte {
	var b bytes.Buffer
	for _, l := range f.lines {
		b.WriteString(l.raw)
		b.WriteByte('\n')
	}
	return b.Bytes()
}
