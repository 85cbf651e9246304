package contracts

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"tradechain/internal/eip1193"
)

// Well-known chain ids.
const (
	ChainEthereum uint64 = 1
	ChainPolygon  uint64 = 137
	ChainMumbai   uint64 = 80001
	ChainHardhat  uint64 = 31337
	ChainSepolia  uint64 = 11155111
)

var networkNames = map[uint64]string{
	ChainEthereum: "Ethereum Mainnet",
	ChainSepolia:  "Sepolia Testnet",
	ChainPolygon:  "Polygon Mainnet",
	ChainMumbai:   "Mumbai Testnet",
	ChainHardhat:  "Localhost",
}

// AddressSet holds the three contract addresses deployed on one chain.
type AddressSet struct {
	Escrow              common.Address `json:"escrow" yaml:"escrow"`
	CertificateRegistry common.Address `json:"certificateRegistry" yaml:"certificateRegistry"`
	Reputation          common.Address `json:"reputation" yaml:"reputation"`
}

// Complete reports whether every contract has a non-zero address.
func (s AddressSet) Complete() bool {
	zero := common.Address{}
	return s.Escrow != zero && s.CertificateRegistry != zero && s.Reputation != zero
}

// Deployment describes one supported network.
type Deployment struct {
	ChainID   uint64
	Name      string
	Addresses AddressSet
	// Params is what wallet_addEthereumChain needs; nil when the chain cannot
	// be registered from here.
	Params *eip1193.ChainParams
}

// AddressTable is an immutable chain id -> deployment mapping.
type AddressTable struct {
	deployments map[uint64]Deployment
}

func NewAddressTable(deployments ...Deployment) AddressTable {
	m := make(map[uint64]Deployment, len(deployments))
	for _, d := range deployments {
		m[d.ChainID] = d
	}
	return AddressTable{deployments: m}
}

// DefaultAddressTable is the built-in deployment list. Sepolia and Polygon
// carry placeholder zero addresses until contracts are deployed there, which
// Resolve treats as unconfigured.
func DefaultAddressTable() AddressTable {
	return NewAddressTable(
		Deployment{
			ChainID: ChainSepolia,
			Name:    networkNames[ChainSepolia],
			Params: &eip1193.ChainParams{
				ChainID:           eip1193.HexChainID(ChainSepolia),
				ChainName:         networkNames[ChainSepolia],
				RPCURLs:           []string{"https://rpc.sepolia.org"},
				BlockExplorerURLs: []string{"https://sepolia.etherscan.io"},
				NativeCurrency:    eip1193.NativeCurrency{Name: "Sepolia Ether", Symbol: "ETH", Decimals: 18},
			},
		},
		Deployment{
			ChainID: ChainPolygon,
			Name:    networkNames[ChainPolygon],
			Params: &eip1193.ChainParams{
				ChainID:           eip1193.HexChainID(ChainPolygon),
				ChainName:         networkNames[ChainPolygon],
				RPCURLs:           []string{"https://polygon-rpc.com"},
				BlockExplorerURLs: []string{"https://polygonscan.com"},
				NativeCurrency:    eip1193.NativeCurrency{Name: "MATIC", Symbol: "MATIC", Decimals: 18},
			},
		},
		Deployment{
			ChainID: ChainHardhat,
			Name:    networkNames[ChainHardhat],
			Addresses: AddressSet{
				Escrow:              common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
				CertificateRegistry: common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"),
				Reputation:          common.HexToAddress("0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0"),
			},
		},
	)
}

// Resolve returns the address set for chainID, or ErrUnconfigured when the
// chain has no complete deployment.
func (t AddressTable) Resolve(chainID uint64) (AddressSet, error) {
	d, ok := t.deployments[chainID]
	if !ok || !d.Addresses.Complete() {
		return AddressSet{}, fmt.Errorf("%w: chain %d", ErrUnconfigured, chainID)
	}
	return d.Addresses, nil
}

func (t AddressTable) Deployment(chainID uint64) (Deployment, bool) {
	d, ok := t.deployments[chainID]
	return d, ok
}

// ChainIDs lists the chains in the table in ascending order.
func (t AddressTable) ChainIDs() []uint64 {
	ids := make([]uint64, 0, len(t.deployments))
	for id := range t.deployments {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// NetworkName is a display name for chainID.
func (t AddressTable) NetworkName(chainID uint64) string {
	if d, ok := t.deployments[chainID]; ok && d.Name != "" {
		return d.Name
	}
	if name, ok := networkNames[chainID]; ok {
		return name
	}
	return "Unknown Network"
}
