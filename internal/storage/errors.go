package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrPathOccupied is returned when an archive upload targets a path that
// already holds an object. Archive uploads never overwrite.
var ErrPathOccupied = errors.New("storage: archive path already occupied")
