package log

// Module identifies the PISA subsystem a logger is bound to, mirroring the
// teacher's log.Common / log.StorageDatabase / log.ConsensusIstanbulBackend
// module constants.
type Module string

const (
	BlockCache Module = "blockcache"
	Store      Module = "store"
	Watcher    Module = "watcher"
	Responder  Module = "responder"
	GasQueue   Module = "gasqueue"
	Admission  Module = "admission"
	Engine     Module = "engine"
	Config     Module = "config"
	Chain      Module = "chain"
)

// NewModuleLogger returns a Logger pre-tagged with its owning module, the
// way the teacher's common/cache.go binds `var logger = log.NewModuleLogger(log.Common)`.
func NewModuleLogger(m Module) Logger {
	return &logger{z: root.Sugar().With("module", string(m))}
}

// New returns an ad-hoc contextual logger, mirroring the teacher's
// log.New("database", file) constructor used outside the module-constant
// convention.
func New(ctx ...interface{}) Logger {
	return &logger{z: root.Sugar().With(ctx...)}
}
