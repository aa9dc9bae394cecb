//go:build linux

package linux

import (
	"bufio"
	"fmt"
	"io"
	"os/user"
	"strconv"
	"strings"
)

// Accounts maps application identities onto local accounts. Daemons and
// sandboxed applications run under their own account, so the account name
// is the identity and the uid is the one the kernel reports for sockets.
type Accounts struct{}

func (Accounts) PackagesForUID(uid int) ([]string, error) {
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return nil, err
	}
	return []string{u.Username}, nil
}

func (Accounts) UIDForPackage(identity string) (int, error) {
	u, err := user.Lookup(identity)
	if err != nil {
		return -1, err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return -1, fmt.Errorf("uid %q of %s: %w", u.Uid, identity, err)
	}
	return uid, nil
}

// DisplayName returns the first GECOS field, falling back to the account name.
func (Accounts) DisplayName(identity string) (string, error) {
	u, err := user.Lookup(identity)
	if err != nil {
		return "", err
	}
	if name, _, _ := strings.Cut(u.Name, ","); name != "" {
		return name, nil
	}
	return u.Username, nil
}

// parsePasswd reads passwd(5) lines into name -> uid. Malformed lines and
// comments are skipped.
func parsePasswd(r io.Reader) (map[string]int, error) {
	out := make(map[string]int)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 3 || fields[0] == "" {
			continue
		}
		uid, err := strconv.Atoi(fields[2])
		if err != nil {
			continue
		}
		out[fields[0]] = uid
	}
	return out, sc.Err()
}
