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

import "golang.org/x/sync/errgroup"

// ParallelMap applies fn to every element of items concurrently and
// returns the results in input order. Every fn runs to completion even
// after one fails; if any fails, the first error returned is reported
// and the result slice is nil.
func ParallelMap[I any, O any](ctx *Ctx, items []I, fn func(*Ctx, I) (O, error)) ([]O, error) {
	out := make([]O, len(items))
	g := new(errgroup.Group)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			v, err := fn(ctx, item)
			if err != nil {
				return err
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// ForkAndJoin runs two computations concurrently and returns both
// results once both complete, or the first error either raises.
func ForkAndJoin[A any, B any](ctx *Ctx, a func(*Ctx) (A, error), b func(*Ctx) (B, error)) (A, B, error) {
	var av A
	var bv B
	g := new(errgroup.Group)
	g.Go(func() error {
		v, err := a(ctx)
		av = v
		return err
	})
	g.Go(func() error {
		v, err := b(ctx)
		bv = v
		return err
	})
	err := g.Wait()
	return av, bv, err
}
