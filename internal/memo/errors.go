// Kiln is an incremental build engine core.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package memo

import "errors"

// SequentialMap applies fn to every element of items one at a time, in
// order, short-circuiting on the first error (spec.md's
// sequential_map, the non-concurrent counterpart to ParallelMap for
// callers that need strict ordering between iterations, e.g. when a
// later item's computation depends on an earlier one having already
// run and recorded its dependency edges).
func SequentialMap[I any, O any](ctx *Ctx, items []I, fn func(*Ctx, I) (O, error)) ([]O, error) {
	out := make([]O, 0, len(items))
	for _, item := range items {
		v, err := fn(ctx, item)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// WithErrorHandler runs fn and, if it fails, hands the error to
// handler for recovery or translation. handler may itself return an
// error (including the original) to let the failure propagate.
func WithErrorHandler[T any](ctx *Ctx, fn func(*Ctx) (T, error), handler func(error) (T, error)) (T, error) {
	v, err := fn(ctx)
	if err != nil {
		return handler(err)
	}
	return v, nil
}

// CollectErrors runs every fn, continuing past failures instead of
// stopping at the first one, and reports every successfully-produced
// value alongside every error encountered (spec.md's collect_errors).
// Unlike ParallelMap/SequentialMap, a failing element does not prevent
// its siblings from running or being reported.
func CollectErrors[T any](ctx *Ctx, fns []func(*Ctx) (T, error)) ([]T, []error) {
	var (
		values []T
		errs   []error
	)
	for _, fn := range fns {
		v, err := fn(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		values = append(values, v)
	}
	return values, errs
}

// ReraiseAll combines a slice of errors (typically gathered by
// CollectErrors) back into one error, so a caller that needs a single
// error value to propagate doesn't have to special-case the "more
// than one failure" shape. Returns nil for an empty slice.
func ReraiseAll(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// Finalize runs fn and then always runs cleanup afterward, regardless
// of whether fn succeeded, failed, or panicked (spec.md's finalize —
// the end-of-run hooks in §5 ("end-of-run hooks always fire regardless
// of success") are built on exactly this primitive).
func Finalize[T any](ctx *Ctx, fn func(*Ctx) (T, error), cleanup func()) (T, error) {
	defer cleanup()
	return fn(ctx)
}
