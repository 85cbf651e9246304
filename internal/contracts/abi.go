package contracts

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// EscrowABI is the interface of the milestone escrow contract.
const EscrowABI = `[
	{"type":"function","name":"createOrder","stateMutability":"payable","inputs":[
		{"name":"_seller","type":"address"},
		{"name":"_productDetails","type":"string"},
		{"name":"_milestoneDescriptions","type":"string[]"},
		{"name":"_milestoneAmounts","type":"uint256[]"},
		{"name":"_milestoneDeadlines","type":"uint256[]"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"acceptOrder","stateMutability":"nonpayable","inputs":[{"name":"_orderId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"submitMilestone","stateMutability":"nonpayable","inputs":[
		{"name":"_orderId","type":"uint256"},
		{"name":"_milestoneIndex","type":"uint256"},
		{"name":"_deliveryProof","type":"string"}],"outputs":[]},
	{"type":"function","name":"approveMilestone","stateMutability":"nonpayable","inputs":[
		{"name":"_orderId","type":"uint256"},
		{"name":"_milestoneIndex","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"rejectMilestone","stateMutability":"nonpayable","inputs":[
		{"name":"_orderId","type":"uint256"},
		{"name":"_milestoneIndex","type":"uint256"},
		{"name":"_reason","type":"string"}],"outputs":[]},
	{"type":"function","name":"raiseDispute","stateMutability":"nonpayable","inputs":[
		{"name":"_orderId","type":"uint256"},
		{"name":"_reason","type":"string"}],"outputs":[]},
	{"type":"function","name":"cancelOrder","stateMutability":"nonpayable","inputs":[{"name":"_orderId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"getOrder","stateMutability":"view","inputs":[{"name":"_orderId","type":"uint256"}],"outputs":[
		{"name":"buyer","type":"address"},
		{"name":"seller","type":"address"},
		{"name":"totalAmount","type":"uint256"},
		{"name":"depositedAmount","type":"uint256"},
		{"name":"releasedAmount","type":"uint256"},
		{"name":"status","type":"uint8"},
		{"name":"createdAt","type":"uint256"},
		{"name":"milestoneCount","type":"uint256"}]},
	{"type":"function","name":"getMilestone","stateMutability":"view","inputs":[
		{"name":"_orderId","type":"uint256"},
		{"name":"_milestoneIndex","type":"uint256"}],"outputs":[
		{"name":"description","type":"string"},
		{"name":"amount","type":"uint256"},
		{"name":"deadline","type":"uint256"},
		{"name":"status","type":"uint8"},
		{"name":"deliveryProof","type":"string"}]},
	{"type":"function","name":"getUserOrders","stateMutability":"view","inputs":[
		{"name":"_user","type":"address"},
		{"name":"_asBuyer","type":"bool"}],"outputs":[{"name":"","type":"uint256[]"}]},
	{"type":"function","name":"getUserReputation","stateMutability":"view","inputs":[{"name":"_user","type":"address"}],"outputs":[
		{"name":"score","type":"uint256"},
		{"name":"transactions","type":"uint256"}]},
	{"type":"function","name":"orderCounter","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"OrderCreated","anonymous":false,"inputs":[
		{"name":"orderId","type":"uint256","indexed":true},
		{"name":"buyer","type":"address","indexed":true},
		{"name":"seller","type":"address","indexed":true},
		{"name":"totalAmount","type":"uint256","indexed":false},
		{"name":"milestoneCount","type":"uint256","indexed":false}]},
	{"type":"event","name":"MilestoneApproved","anonymous":false,"inputs":[
		{"name":"orderId","type":"uint256","indexed":true},
		{"name":"milestoneIndex","type":"uint256","indexed":false},
		{"name":"amountReleased","type":"uint256","indexed":false}]},
	{"type":"event","name":"OrderCompleted","anonymous":false,"inputs":[
		{"name":"orderId","type":"uint256","indexed":true},
		{"name":"totalReleased","type":"uint256","indexed":false}]}
]`

const certificateTuple = `[
		{"name":"tokenId","type":"uint256"},
		{"name":"productId","type":"uint256"},
		{"name":"supplier","type":"address"},
		{"name":"productName","type":"string"},
		{"name":"origin","type":"string"},
		{"name":"category","type":"string"},
		{"name":"manufactureDate","type":"uint256"},
		{"name":"expiryDate","type":"uint256"},
		{"name":"batchNumber","type":"string"},
		{"name":"qualityCertifications","type":"string[]"},
		{"name":"ipfsMetadata","type":"string"},
		{"name":"isVerified","type":"bool"},
		{"name":"verifiedBy","type":"address"},
		{"name":"verifiedAt","type":"uint256"}]`

// CertificateRegistryABI is the interface of the product certificate NFT.
const CertificateRegistryABI = `[
	{"type":"function","name":"mintCertificate","stateMutability":"nonpayable","inputs":[
		{"name":"_productId","type":"uint256"},
		{"name":"_productName","type":"string"},
		{"name":"_origin","type":"string"},
		{"name":"_category","type":"string"},
		{"name":"_manufactureDate","type":"uint256"},
		{"name":"_expiryDate","type":"uint256"},
		{"name":"_batchNumber","type":"string"},
		{"name":"_qualityCertifications","type":"string[]"},
		{"name":"_ipfsMetadata","type":"string"},
		{"name":"_tokenURI","type":"string"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getCertificate","stateMutability":"view","inputs":[{"name":"_tokenId","type":"uint256"}],
	 "outputs":[{"name":"","type":"tuple","components":` + certificateTuple + `}]},
	{"type":"function","name":"getCertificateByProductId","stateMutability":"view","inputs":[{"name":"_productId","type":"uint256"}],
	 "outputs":[{"name":"","type":"tuple","components":` + certificateTuple + `}]},
	{"type":"function","name":"getSupplyChainHistory","stateMutability":"view","inputs":[{"name":"_tokenId","type":"uint256"}],
	 "outputs":[{"name":"","type":"tuple[]","components":[
		{"name":"timestamp","type":"uint256"},
		{"name":"eventType","type":"string"},
		{"name":"location","type":"string"},
		{"name":"description","type":"string"},
		{"name":"recordedBy","type":"address"},
		{"name":"ipfsProof","type":"string"}]}]},
	{"type":"function","name":"addSupplyChainEvent","stateMutability":"nonpayable","inputs":[
		{"name":"_tokenId","type":"uint256"},
		{"name":"_eventType","type":"string"},
		{"name":"_location","type":"string"},
		{"name":"_description","type":"string"},
		{"name":"_ipfsProof","type":"string"}],"outputs":[]},
	{"type":"function","name":"isProductCertified","stateMutability":"view","inputs":[{"name":"_productId","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"verifiedSuppliers","stateMutability":"view","inputs":[{"name":"","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"totalCertificates","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"CertificateMinted","anonymous":false,"inputs":[
		{"name":"tokenId","type":"uint256","indexed":true},
		{"name":"productId","type":"uint256","indexed":true},
		{"name":"supplier","type":"address","indexed":true}]},
	{"type":"event","name":"Transfer","anonymous":false,"inputs":[
		{"name":"from","type":"address","indexed":true},
		{"name":"to","type":"address","indexed":true},
		{"name":"tokenId","type":"uint256","indexed":true}]}
]`

// ReputationABI is the interface of the reputation token.
const ReputationABI = `[
	{"type":"function","name":"getUserStats","stateMutability":"view","inputs":[{"name":"_user","type":"address"}],"outputs":[
		{"name":"totalTransactions","type":"uint256"},
		{"name":"successfulTransactions","type":"uint256"},
		{"name":"disputesWon","type":"uint256"},
		{"name":"disputesLost","type":"uint256"},
		{"name":"totalVolumeTraded","type":"uint256"},
		{"name":"reputation","type":"uint256"},
		{"name":"tier","type":"uint8"},
		{"name":"feeDiscount","type":"uint256"}]},
	{"type":"function","name":"getUserTier","stateMutability":"view","inputs":[{"name":"_user","type":"address"}],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"getFeeDiscount","stateMutability":"view","inputs":[{"name":"_user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getReputationScore","stateMutability":"view","inputs":[{"name":"_user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getTierName","stateMutability":"pure","inputs":[{"name":"_tier","type":"uint8"}],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	escrowABI      = mustParseABI("Escrow", EscrowABI)
	certificateABI = mustParseABI("CertificateRegistry", CertificateRegistryABI)
	reputationABI  = mustParseABI("Reputation", ReputationABI)
)

// EscrowContractABI returns the parsed escrow ABI.
func EscrowContractABI() *abi.ABI { return &escrowABI }

// CertificateContractABI returns the parsed certificate registry ABI.
func CertificateContractABI() *abi.ABI { return &certificateABI }

// ReputationContractABI returns the parsed reputation ABI.
func ReputationContractABI() *abi.ABI { return &reputationABI }

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("failed to parse " + name + " ABI: " + err.Error())
	}
	return parsed
}
