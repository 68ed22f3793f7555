//go:build linux && amd64

package recorder

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru"
)

// mapping is one executable range from the tracee's memory map.
type mapping struct {
	start, end uint64
	offset     uint64
	name       string
}

// symbolTable names code addresses in the tracee as module+offset, from
// its proc memory map. The trap path asks for the same few instruction
// pointers over and over, so resolved names sit in an LRU cache.
type symbolTable struct {
	pid      int
	mappings []mapping
	cache    *lru.Cache
}

func newSymbolTable(pid int) *symbolTable {
	cache, err := lru.New(4096)
	if err != nil {
		return nil
	}
	return &symbolTable{pid: pid, cache: cache}
}

func (t *symbolTable) lookup(addr uintptr) string {
	if name, ok := t.cache.Get(addr); ok {
		return name.(string)
	}

	name, ok := t.resolve(uint64(addr))
	if !ok {
		// The address may be in a mapping created after the last load.
		t.mappings = nil
		name, _ = t.resolve(uint64(addr))
	}
	t.cache.Add(addr, name)
	return name
}

func (t *symbolTable) resolve(addr uint64) (string, bool) {
	if t.mappings == nil {
		t.mappings = loadMappings(t.pid)
	}
	for _, m := range t.mappings {
		if addr >= m.start && addr < m.end {
			return fmt.Sprintf("%s+%#x", m.name, addr-m.start+m.offset), true
		}
	}
	return fmt.Sprintf("%#x", addr), false
}

// loadMappings parses the executable ranges out of /proc/<pid>/maps.
func loadMappings(pid int) []mapping {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return []mapping{}
	}
	defer f.Close()

	var mappings []mapping
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		// Format: start-end perms offset dev inode [path]
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 || len(fields[1]) < 3 || fields[1][2] != 'x' {
			continue
		}
		var m mapping
		if _, err := fmt.Sscanf(fields[0], "%x-%x", &m.start, &m.end); err != nil {
			continue
		}
		if _, err := fmt.Sscanf(fields[2], "%x", &m.offset); err != nil {
			continue
		}
		if len(fields) >= 6 {
			m.name = filepath.Base(fields[5])
		} else {
			m.name = "anonymous"
		}
		mappings = append(mappings, m)
	}
	return mappings
}
