// Package netblock gives sector-granular access to a storage device that may
// be local or remote. Every backend implements Device; callers never need to
// know which medium sits behind it.
package netblock

// SectorSize is the size in bytes of one addressable sector.
const SectorSize = 512

// Device is a handle to a block-addressable medium. A Device is owned by a
// single caller and must not be used from more than one goroutine at a time.
type Device interface {
	// Stat returns the capacity of the device in kilobytes.
	Stat() (uint32, error)

	// Read fills p with numSectors sectors starting at startSector and returns
	// the number of bytes read. p must hold numSectors*SectorSize bytes.
	Read(startSector, numSectors uint32, p []byte) (int, error)

	// Write stores numSectors sectors from p starting at startSector and
	// returns the number of bytes written. p must hold exactly
	// numSectors*SectorSize bytes.
	Write(startSector, numSectors uint32, p []byte) (int, error)

	Flush() error

	// Poweroff asks the device to power down. No reply is awaited.
	Poweroff() error

	// Close releases every resource held by the handle. It must be called
	// exactly once.
	Close() error

	// LastError returns the message of the last failed operation, or "" if
	// there is none. Every message obtained must be handed back to
	// DisposeError.
	LastError() string
	DisposeError(msg string)
}

// Settings is the key/value dictionary backends read their tunables from.
// *viper.Viper satisfies it.
type Settings interface {
	IsSet(key string) bool
	GetInt(key string) int
	GetString(key string) string
}

// IntSetting returns the integer stored under key, or def when the key is
// absent or s is nil.
func IntSetting(s Settings, key string, def int) int {
	if s == nil || !s.IsSet(key) {
		return def
	}
	return s.GetInt(key)
}

// StringSetting returns the string stored under key, or def when the key is
// absent or s is nil.
func StringSetting(s Settings, key string, def string) string {
	if s == nil || !s.IsSet(key) {
		return def
	}
	return s.GetString(key)
}

// CheckBuffer reports ErrShortBuffer when p cannot hold numSectors sectors.
func CheckBuffer(numSectors uint32, p []byte) error {
	if uint64(len(p)) < uint64(numSectors)*SectorSize {
		return ErrShortBuffer
	}
	return nil
}
