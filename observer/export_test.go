package observer

// WithConn runs fn on a leased connection of s.
var WithConn = (*DBProgressService).with
