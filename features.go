package mellofs

import "strings"

// FeatureFlags advertise the capabilities of a mounted filesystem.
type FeatureFlags uint32

const (
	// FeatureCOW means committed blocks are never overwritten in place.
	FeatureCOW FeatureFlags = 1 << iota
	// FeatureChecksum means every block and extent is verified on read.
	FeatureChecksum
	// FeatureCompression means file content may be stored compressed.
	FeatureCompression
	// FeatureXattr means inodes carry extended attributes.
	FeatureXattr
	// FeatureInlineSmall means small file content lives in the inode record.
	FeatureInlineSmall
)

// AllFeatures is what every filesystem of this type supports. The engine has
// no optional parts.
const AllFeatures = FeatureCOW | FeatureChecksum | FeatureCompression | FeatureXattr | FeatureInlineSmall

var featureNames = []struct {
	flag FeatureFlags
	name string
}{
	{FeatureCOW, "cow"},
	{FeatureChecksum, "checksum"},
	{FeatureCompression, "compression"},
	{FeatureXattr, "xattr"},
	{FeatureInlineSmall, "inline-small"},
}

func (f FeatureFlags) String() string {
	parts := make([]string, 0, len(featureNames))
	for _, n := range featureNames {
		if f&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}
