/*
 *	Copyright 2025 The AOTGraph Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// aotgraph-demo builds a small graph holding both peephole patterns -- a
// transpose feeding a matmul and an inverse-transpose pair -- then runs the
// whole pipeline: optimize, plan the arena, execute, and print the result.
package main

import (
	"flag"
	"fmt"

	"github.com/aotgraph/aotgraph/backends"
	_ "github.com/aotgraph/aotgraph/backends/simplecpu"
	"github.com/aotgraph/aotgraph/graph"
	"github.com/aotgraph/aotgraph/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var flagOptimize = flag.Bool("optimize", true, "Run the peephole optimizer before planning memory.")

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	g := graph.New(backends.New())
	a := g.AddTensor(shapes.Make(dtypes.Float32, 3, 2))
	b := g.AddTensor(shapes.Make(dtypes.Float32, 3, 2))

	tr := g.Transpose(a, []int{1, 0})
	mm := g.MatMul(tr.Output(0), b, false, false)
	p1 := g.Transpose(mm.Output(0), []int{1, 0})
	p2 := g.Transpose(p1.Output(0), []int{1, 0})
	result := g.Identity(p2.Output(0))

	fmt.Printf("Before optimization: %d ops\n", g.NumOps())
	if *flagOptimize {
		g.Optimize()
		g.CheckValid()
		fmt.Printf("After optimization:  %d ops (MatMul transA=%v)\n", g.NumOps(), mm.TransA())
	}
	g.InferShapes()

	must.M(g.AllocateTensors())
	fmt.Printf("Memory plan: %s\n", g.Allocator())

	graph.SetFlat(a, []float32{1, 2, 3, 4, 5, 6})
	graph.SetFlat(b, []float32{1, 0, 0, 1, 1, 1})
	g.Run()

	fmt.Println(result.Output(0).DataString())
}
