// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "go.opentelemetry.io/remote-unwinder/process"

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/remote-unwinder/libpf"
)

// maxLineLength bounds a single line of a maps file.
const maxLineLength = 8192

// nextField returns the first space separated field of s and the remainder after it.
func nextField(s string) (field, rest string) {
	s = strings.TrimLeft(s, " \t")
	end := strings.IndexAny(s, " \t")
	if end < 0 {
		return s, ""
	}
	return s[:end], s[end:]
}

func trimMappingPath(path string) string {
	// Trim the deleted indication from the path.
	// See path_with_deleted in linux/fs/d_path.c
	return strings.TrimSuffix(path, " (deleted)")
}

// parseLine parses one line. A nil Mapping without error means the line is valid but
// filtered out by opts.
func parseLine(line string, opts Options) (*Mapping, error) {
	var fields [5]string
	rest := line
	for i := range fields {
		fields[i], rest = nextField(rest)
		if fields[i] == "" {
			return nil, fmt.Errorf("missing field %d", i)
		}
	}
	path := trimMappingPath(strings.TrimSpace(rest))

	start, end, ok := strings.Cut(fields[0], "-")
	if !ok {
		return nil, fmt.Errorf("invalid address range %q", fields[0])
	}
	perms := fields[1]
	if len(perms) < 4 {
		return nil, fmt.Errorf("invalid permissions %q", perms)
	}
	majDev, minDev, ok := strings.Cut(fields[3], ":")
	if !ok {
		return nil, fmt.Errorf("invalid device %q", fields[3])
	}

	var m Mapping
	var err error
	if m.Start, err = strconv.ParseUint(start, 16, 64); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	if m.End, err = strconv.ParseUint(end, 16, 64); err != nil {
		return nil, fmt.Errorf("end: %w", err)
	}
	if m.End < m.Start {
		return nil, fmt.Errorf("inverted range %s", fields[0])
	}
	if m.Pgoff, err = strconv.ParseUint(fields[2], 16, 64); err != nil {
		return nil, fmt.Errorf("offset: %w", err)
	}
	major, err := strconv.ParseUint(majDev, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("major device: %w", err)
	}
	minor, err := strconv.ParseUint(minDev, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("minor device: %w", err)
	}
	m.Maj, m.Min = uint32(major), uint32(minor)
	if m.Inode, err = strconv.ParseUint(fields[4], 10, 64); err != nil {
		return nil, fmt.Errorf("inode: %w", err)
	}

	if perms[0] == 'r' {
		m.Prot |= unix.PROT_READ
	}
	if perms[1] == 'w' {
		m.Prot |= unix.PROT_WRITE
	}
	if perms[2] == 'x' {
		m.Prot |= unix.PROT_EXEC
	}
	if perms[3] == 's' {
		m.Flags = unix.MAP_SHARED
	} else {
		m.Flags = unix.MAP_PRIVATE
	}

	if !m.IsExecutable() && (!opts.IncludeData || m.Prot&unix.PROT_READ == 0) {
		return nil, nil
	}

	m.Path = path
	if m.Path == "" {
		m.Path = AnonPathName
	}
	return &m, nil
}

// ParseMappings parses the text format of /proc/<pid>/maps. Executable mappings are
// returned, readable ones too if opts.IncludeData is set. Malformed lines are skipped
// and counted in the second return value.
func ParseMappings(r io.Reader, opts Options) ([]Mapping, uint32, error) {
	numParseErrors := uint32(0)
	mappings := make([]Mapping, 0, 32)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 512), maxLineLength)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		m, err := parseLine(line, opts)
		if err != nil {
			log.Debugf("Skipping maps line %q: %v", line, err)
			numParseErrors++
			continue
		}
		if m != nil {
			mappings = append(mappings, *m)
		}
	}
	return mappings, numParseErrors, scanner.Err()
}

// ReadMappings parses the maps file of the thread group leader pid.
func ReadMappings(pid libpf.PID, opts Options) ([]Mapping, uint32, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/task/%d/maps", pid, pid))
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	return ParseMappings(f, opts)
}
