package eventbus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// eventLog owns the per-topic append-only JSONL files. One file per
// topic, one JSON record per line, directory 0700 and files 0600 so the
// durable log is readable by the owning user only. Not safe for
// concurrent use; the bus serializes access through its own mutex.
type eventLog struct {
	dir   string
	files map[string]*os.File // topic -> open append handle
}

func newEventLog(dir string) (*eventLog, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create event log directory: %w", err)
	}
	return &eventLog{dir: dir, files: make(map[string]*os.File)}, nil
}

// append writes one event to its topic file.
func (l *eventLog) append(ev Event) error {
	f, ok := l.files[ev.Topic]
	if !ok {
		var err error
		path := filepath.Join(l.dir, topicFileName(ev.Topic))
		f, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600) // #nosec G304 - name derived from validated topic
		if err != nil {
			return fmt.Errorf("open topic log: %w", err)
		}
		l.files[ev.Topic] = f
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// load reads every topic file into memory, ordered by event ID (ULIDs,
// so publish order). Unparseable lines are skipped rather than poisoning
// the whole log.
func (l *eventLog) load() ([]Event, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read event log directory: %w", err)
	}

	var events []Event
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := topicFromFileName(entry.Name()); !ok {
			continue
		}
		f, err := os.Open(filepath.Join(l.dir, entry.Name())) // #nosec G304 - file under the bus-owned directory
		if err != nil {
			return nil, fmt.Errorf("open topic log: %w", err)
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			var ev Event
			if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
				continue
			}
			events = append(events, ev)
		}
		err = scanner.Err()
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("scan topic log: %w", err)
		}
	}

	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events, nil
}

// rewrite replaces the on-disk logs with exactly the given events.
// Used after pruning; open handles are recycled.
func (l *eventLog) rewrite(events []Event) error {
	if err := l.closeFiles(); err != nil {
		return err
	}
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("read event log directory: %w", err)
	}
	for _, entry := range entries {
		if _, ok := topicFromFileName(entry.Name()); ok {
			if err := os.Remove(filepath.Join(l.dir, entry.Name())); err != nil {
				return fmt.Errorf("remove topic log: %w", err)
			}
		}
	}
	for _, ev := range events {
		if err := l.append(ev); err != nil {
			return err
		}
	}
	return nil
}

func (l *eventLog) closeFiles() error {
	var firstErr error
	for topic, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close topic log %s: %w", topic, err)
		}
		delete(l.files, topic)
	}
	return firstErr
}
