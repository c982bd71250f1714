package pdu_test

import (
	"fmt"

	"github.com/joeycumines/fortepdu/pdu"
)

func ExamplePDU_Marshal() {
	p := pdu.New(1, []byte("ping"))
	wire, err := p.Marshal(nil, 0)
	if err != nil {
		panic(err)
	}

	got, _, ok, err := pdu.Unmarshal(wire, 0)
	if err != nil || !ok {
		panic("incomplete frame")
	}

	fmt.Println(got.Opcode, string(got.Payload))
	// Output: 1 ping
}
