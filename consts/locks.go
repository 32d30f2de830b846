package consts

// AdvisoryLockID is the PostgreSQL advisory lock held while migrations run, so
// only one soracal instance or admin tool changes the schema at a time.
const AdvisoryLockID = 42734712
