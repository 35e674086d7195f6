package fetch

import (
	"path"
	"strings"
)

var assetChecksumSuffixes = []string{".sha256", ".sha256sum", ".sha512", ".sha512sum"}

var sharedChecksumTokens = []string{"sha256sums", "sha512sums", "checksums"}

// FindChecksumFile picks the checksum file covering asset: a per-asset digest
// file wins over a shared manifest.
func FindChecksumFile(listing []string, asset string) (string, bool) {
	for _, suffix := range assetChecksumSuffixes {
		want := strings.ToLower(asset + suffix)
		for _, name := range listing {
			if strings.ToLower(name) == want {
				return name, true
			}
		}
	}
	for _, name := range listing {
		lower := strings.ToLower(name)
		if strings.HasSuffix(lower, ".sig") || strings.HasSuffix(lower, ".asc") || strings.HasSuffix(lower, ".pem") {
			continue
		}
		for _, tok := range sharedChecksumTokens {
			if strings.Contains(lower, tok) {
				return name, true
			}
		}
	}
	return "", false
}

// ParseChecksums finds the digest for asset in a checksum file. It accepts
// GNU coreutils lines ("digest  name", "digest *name"), BSD tagged lines
// ("SHA256 (name) = digest") and bare digests in per-asset files.
func ParseChecksums(content, asset, file string) (string, bool) {
	perAsset := strings.HasPrefix(strings.ToLower(file), strings.ToLower(asset)+".")
	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if open := strings.Index(line, " ("); open > 0 && strings.Contains(line, ") = ") {
			closeIdx := strings.LastIndex(line, ") = ")
			if closeIdx > open {
				name := line[open+2 : closeIdx]
				if sameAsset(name, asset) {
					return strings.TrimSpace(line[closeIdx+4:]), true
				}
			}
			continue
		}
		fields := strings.Fields(line)
		switch {
		case len(fields) == 1 && perAsset:
			return fields[0], true
		case len(fields) >= 2:
			name := strings.TrimPrefix(fields[len(fields)-1], "*")
			if sameAsset(name, asset) {
				return fields[0], true
			}
		}
	}
	return "", false
}

func sameAsset(name, asset string) bool {
	name = strings.TrimPrefix(name, "./")
	return name == asset || path.Base(name) == asset
}

func algorithmFor(digest string) string {
	for _, r := range digest {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return ""
		}
	}
	switch len(digest) {
	case 64:
		return "sha256"
	case 128:
		return "sha512"
	}
	return ""
}
