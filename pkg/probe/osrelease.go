package probe

import (
	"strings"

	"github.com/spf13/viper"
)

// OS families recognized for package management
const (
	FamilyRHEL   = "rhel"
	FamilySUSE   = "suse"
	FamilyDebian = "debian"
)

var familyIDs = map[string]string{
	"rhel":      FamilyRHEL,
	"centos":    FamilyRHEL,
	"fedora":    FamilyRHEL,
	"rocky":     FamilyRHEL,
	"almalinux": FamilyRHEL,
	"ol":        FamilyRHEL,
	"sles":      FamilySUSE,
	"suse":      FamilySUSE,
	"opensuse":  FamilySUSE,
	"debian":    FamilyDebian,
	"ubuntu":    FamilyDebian,
}

// OSFamily returns the distribution family from os-release, or "" when it
// cannot be determined. The result is cached.
func (p *Prober) OSFamily() string {
	if p.family == "" {
		p.family = readOSFamily(p.cfg.OSRelease)
		p.logger.Debug().Str("family", p.family).Msg("detected OS family")
	}
	return p.family
}

// os-release is a shell-compatible KEY="value" file, read with viper's env
// format
func readOSFamily(path string) string {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return ""
	}

	candidates := append([]string{v.GetString("id")}, strings.Fields(v.GetString("id_like"))...)
	for _, id := range candidates {
		id = strings.ToLower(strings.Trim(id, `"`))
		if family, ok := familyIDs[id]; ok {
			return family
		}
		if strings.HasPrefix(id, "opensuse") {
			return FamilySUSE
		}
	}
	return ""
}
