package tank

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// LockFileName is created in the lock directory while a test runs.
const LockFileName = "tank.lock"

// ErrLocked means another live worker holds the lock.
var ErrLocked = errors.New("tank is locked")

// LockInfo identifies the holder of a lock file.
type LockInfo struct {
	PID     int
	Session string
	// LoadGroup is the process group of a running load command, or 0.
	LoadGroup int
}

// Lock is a held run lock.
type Lock struct {
	path string
	info LockInfo
}

// AcquireLock creates dir/tank.lock exclusively. A lock left behind by a
// process that no longer exists is removed, together with the load command
// it may have left running, and the acquisition retried once.
func AcquireLock(dir, session string) (*Lock, error) {
	path := filepath.Join(dir, LockFileName)
	info := LockInfo{PID: os.Getpid(), Session: session}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.WriteString(info.encode())
			cerr := f.Close()
			if werr == nil {
				werr = cerr
			}
			if werr != nil {
				_ = os.Remove(path)
				return nil, errors.Wrapf(werr, "write lock %s", path)
			}
			return &Lock{path: path, info: info}, nil
		}
		if !os.IsExist(err) {
			return nil, errors.Wrapf(err, "create lock %s", path)
		}

		holder, rerr := ReadLock(path)
		if rerr == nil && processAlive(holder.PID) {
			return nil, errors.Wrapf(ErrLocked, "held by pid %d (session %s)", holder.PID, holder.Session)
		}
		if rerr == nil && holder.LoadGroup > 0 {
			if err := killProcessGroup(holder.LoadGroup); err != nil {
				return nil, errors.Wrapf(err, "kill orphaned load group %d", holder.LoadGroup)
			}
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "remove stale lock %s", path)
		}
	}
	return nil, errors.Wrapf(ErrLocked, "lock %s reappeared", path)
}

// ReadLock parses a lock file.
func ReadLock(path string) (LockInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return LockInfo{}, err
	}
	defer f.Close()

	var info LockInfo
	sc := bufio.NewScanner(f)
	if sc.Scan() {
		info.PID, err = strconv.Atoi(strings.TrimSpace(sc.Text()))
		if err != nil {
			return LockInfo{}, errors.Wrapf(err, "parse lock %s", path)
		}
	}
	if sc.Scan() {
		info.Session = strings.TrimSpace(sc.Text())
	}
	if sc.Scan() {
		if v := strings.TrimSpace(sc.Text()); v != "" {
			info.LoadGroup, err = strconv.Atoi(v)
			if err != nil {
				return LockInfo{}, errors.Wrapf(err, "parse lock %s", path)
			}
		}
	}
	return info, sc.Err()
}

func (i LockInfo) encode() string {
	if i.LoadGroup > 0 {
		return fmt.Sprintf("%d\n%s\n%d\n", i.PID, i.Session, i.LoadGroup)
	}
	return fmt.Sprintf("%d\n%s\n", i.PID, i.Session)
}

// Info returns the holder written to the lock file.
func (l *Lock) Info() LockInfo { return l.info }

// SetLoadGroup records the process group of the load command, 0 once it is
// gone.
func (l *Lock) SetLoadGroup(pgid int) error {
	l.info.LoadGroup = pgid
	if err := os.WriteFile(l.path, []byte(l.info.encode()), 0o644); err != nil {
		return errors.Wrapf(err, "update lock %s", l.path)
	}
	return nil
}

// Release removes the lock file if it still belongs to this process.
func (l *Lock) Release() error {
	holder, err := ReadLock(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err == nil && holder.PID != l.info.PID {
		return errors.Errorf("lock %s was taken over by pid %d", l.path, holder.PID)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove lock %s", l.path)
	}
	return nil
}
