package deploy

import (
	"context"
	"fmt"
	"strings"

	"github.com/joho/godotenv"

	"github.com/ycopyer/yumna-panel-sub002/control_plane/sshx"
)

// Family is an OS family with its own package manager and service model.
type Family string

const (
	FamilyDebian  Family = "debian"
	FamilyRHEL    Family = "rhel"
	FamilyFreeBSD Family = "freebsd"
	FamilyDarwin  Family = "darwin"
	FamilyWindows Family = "windows"
)

// Detect identifies the remote OS family.
func Detect(ctx context.Context, conn sshx.Conn) (Family, error) {
	uname, err := conn.Run(ctx, "uname -s")
	if err == nil {
		switch strings.TrimSpace(uname) {
		case "Linux":
			release, err := conn.Run(ctx, "cat /etc/os-release")
			if err != nil {
				return "", fmt.Errorf("read os-release: %w", err)
			}
			return linuxFamily(release)
		case "FreeBSD":
			return FamilyFreeBSD, nil
		case "Darwin":
			return FamilyDarwin, nil
		}
	}

	ver, verr := conn.Run(ctx, "cmd /c ver")
	if verr == nil && strings.Contains(strings.ToLower(ver), "windows") {
		return FamilyWindows, nil
	}
	if err != nil {
		return "", fmt.Errorf("unrecognised remote system: uname: %v", err)
	}
	return "", fmt.Errorf("unsupported remote system %q", strings.TrimSpace(uname))
}

// linuxFamily maps /etc/os-release ID and ID_LIKE to a family.
func linuxFamily(release string) (Family, error) {
	fields, err := godotenv.Unmarshal(release)
	if err != nil {
		return "", fmt.Errorf("parse os-release: %w", err)
	}
	ids := strings.Fields(strings.ToLower(fields["ID"] + " " + fields["ID_LIKE"]))
	for _, id := range ids {
		switch id {
		case "debian", "ubuntu", "raspbian", "linuxmint":
			return FamilyDebian, nil
		case "rhel", "centos", "fedora", "rocky", "almalinux", "amzn", "ol":
			return FamilyRHEL, nil
		}
	}
	return "", fmt.Errorf("unsupported linux distribution %q", fields["ID"])
}
